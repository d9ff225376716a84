// Package rules compiles the glob patterns in a config.Config into a
// matcher and evaluates observed commands against it.
//
// Grounded on the original implementation's rule_engine.rs, which rebuilds
// a globset::GlobSet from scratch on every match_command call. This core
// instead caches the compiled matcher keyed by config.Config.Fingerprint,
// only rebuilding when the active configuration actually changes — even
// with the Config Watcher's hot-reload, Match runs far more often than the
// rule set changes.
package rules

import (
	"log/slog"
	"sync"

	"github.com/gobwas/glob"
	"golang.org/x/sync/singleflight"

	"github.com/endernoke/viberot/internal/config"
)

// compiledRule pairs a compiled glob matcher with the rule it was built
// from, preserving declaration order.
type compiledRule struct {
	matcher glob.Glob
	rule    config.Rule
}

// matcherSet is one immutable, fully-built matcher generation.
type matcherSet struct {
	fingerprint uint64
	rules       []compiledRule
}

// Engine matches observed commands against a config.Config's glob rules,
// caching the compiled matcher set across calls that share the same
// config.Config.Fingerprint.
//
// Engine is safe for concurrent use. Readers never block on a rebuild in
// progress for a fingerprint other than their own; concurrent callers
// racing to rebuild the same fingerprint are deduplicated via
// singleflight so only one of them does the work.
type Engine struct {
	logger *slog.Logger

	mu      sync.RWMutex
	current *matcherSet

	group singleflight.Group
}

// NewEngine creates an Engine with an empty matcher set. If logger is nil,
// slog.Default() is used.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, current: &matcherSet{}}
}

// Match returns, in declaration order, every action whose rule's command
// glob matches command, rebuilding the cached matcher set first if cfg's
// fingerprint has changed since the last call.
//
// A command that matches multiple rules contributes every matching rule's
// actions, in the order those rules were declared — this core does not
// stop at the first match, unlike the single-action original it is
// grounded on, because spec.md's multi-action rules require aggregating
// across rules. A rule with several patterns that all match contributes
// its actions once per matching pattern.
func (e *Engine) Match(command string, cfg *config.Config) []config.Action {
	set := e.matcherSetFor(cfg)

	var actions []config.Action
	for _, cr := range set.rules {
		if cr.matcher.Match(command) {
			actions = append(actions, cr.rule.Actions...)
		}
	}
	return actions
}

// matcherSetFor returns the cached matcherSet for cfg, rebuilding it if
// necessary.
func (e *Engine) matcherSetFor(cfg *config.Config) *matcherSet {
	fp := cfg.Fingerprint()

	e.mu.RLock()
	if e.current.fingerprint == fp {
		set := e.current
		e.mu.RUnlock()
		return set
	}
	e.mu.RUnlock()

	key := fmtFingerprint(fp)
	result, _, _ := e.group.Do(key, func() (interface{}, error) {
		e.mu.RLock()
		if e.current.fingerprint == fp {
			set := e.current
			e.mu.RUnlock()
			return set, nil
		}
		e.mu.RUnlock()

		set := e.build(cfg, fp)
		e.mu.Lock()
		e.current = set
		e.mu.Unlock()
		return set, nil
	})
	return result.(*matcherSet)
}

// build compiles every glob pattern across cfg's rules. A single command
// pattern becomes one compiledRule carrying the whole rule's actions, so
// that any one of a rule's several Commands patterns matching triggers all
// of that rule's actions. Invalid glob patterns are skipped with a logged
// warning rather than failing the whole rebuild, matching the original
// implementation's per-pattern error handling in rule_engine.rs.
func (e *Engine) build(cfg *config.Config, fp uint64) *matcherSet {
	var compiled []compiledRule
	for _, r := range cfg.Rules {
		for _, pattern := range r.Commands {
			g, err := glob.Compile(pattern)
			if err != nil {
				e.logger.Warn("rule engine: invalid glob pattern, skipping",
					slog.String("pattern", pattern), slog.Any("error", err))
				continue
			}
			compiled = append(compiled, compiledRule{matcher: g, rule: r})
		}
	}
	e.logger.Debug("rule engine: rebuilt matcher set", slog.Int("patterns", len(compiled)))
	return &matcherSet{fingerprint: fp, rules: compiled}
}

func fmtFingerprint(fp uint64) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hex[fp&0xf]
		fp >>= 4
	}
	return string(b)
}
