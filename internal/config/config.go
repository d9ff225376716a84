// Package config provides YAML configuration loading, validation, and a
// hot-reloadable Store for the viberot daemon's rule set.
//
// The schema matches SPEC_FULL.md §6: a top-level list of rules, each
// pairing one or more glob command patterns with one or more actions. The
// "command"/"commands" and "action"/"actions" key aliases accept either a
// scalar or a sequence node so that a single-pattern, single-action rule
// does not require wrapping everything in brackets.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActionType enumerates the recognized Action variants. Only ActionExec is
// implemented by the orchestrator; any other value is accepted by the
// parser (forward compatibility with action types outside this core's
// scope) but flagged by UnsupportedActions rather than failing LoadConfig,
// per spec.md §3 ("other variants... are rejected with a warning in this
// core").
type ActionType string

// ActionExec is the only Action type this core implements.
const ActionExec ActionType = "exec"

// Action is a single user-configured action to launch when a rule matches.
type Action struct {
	// Type selects the action variant. Only ActionExec is implemented.
	Type ActionType `yaml:"type"`

	// Path is the program to launch for an ActionExec action: absolute,
	// relative, a bare executable name, or containing ${VAR} placeholders.
	Path string `yaml:"path,omitempty"`

	// Args is the ordered argument list passed to Path.
	Args []string `yaml:"args,omitempty"`

	// SingleInstance requests that only one live child share this
	// action's key (derived from Path and Args) at any time.
	SingleInstance bool `yaml:"single_instance,omitempty"`
}

// Key returns the single-instance tracking key for a, following
// SPEC_FULL.md §3: "exec:"+path+":"+joined_args.
func (a Action) Key() string {
	switch a.Type {
	case ActionExec:
		return "exec:" + a.Path + ":" + strings.Join(a.Args, " ")
	default:
		return string(a.Type) + ":" + a.Path
	}
}

// Rule pairs one or more glob command patterns with one or more actions.
type Rule struct {
	// Commands is the ordered list of glob patterns to match against an
	// observed command line. Declaration order is preserved; it governs
	// both compiled-matcher construction and the order in which a
	// command that matches multiple rules contributes its actions to a
	// Match result.
	Commands []string

	// Actions is the ordered list of actions to launch when any pattern
	// in Commands matches.
	Actions []Action
}

// rawRule is the YAML wire shape for Rule, accepting the command/commands
// and action/actions key aliases described in spec.md §6.
type rawRule struct {
	Command  yaml.Node `yaml:"command"`
	Commands yaml.Node `yaml:"commands"`
	Action   yaml.Node `yaml:"action"`
	Actions  yaml.Node `yaml:"actions"`
}

// UnmarshalYAML implements custom decoding for Rule so that either the
// singular or plural form of "command"/"action" may appear, each accepting
// a scalar (or mapping, for actions) or a sequence node.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	var raw rawRule
	if err := node.Decode(&raw); err != nil {
		return err
	}

	commands, err := decodeStringOrSlice(firstNonEmpty(raw.Command, raw.Commands))
	if err != nil {
		return fmt.Errorf("commands: %w", err)
	}
	if len(commands) == 0 {
		return errors.New(`rule must set "command" or "commands"`)
	}

	actions, err := decodeActionOrSlice(firstNonEmpty(raw.Action, raw.Actions))
	if err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	if len(actions) == 0 {
		return errors.New(`rule must set "action" or "actions"`)
	}

	r.Commands = commands
	r.Actions = actions
	return nil
}

// firstNonEmpty returns the first node that actually decoded content; a
// yaml.Node zero value has Kind == 0 when its key was absent from the
// document.
func firstNonEmpty(nodes ...yaml.Node) yaml.Node {
	for _, n := range nodes {
		if n.Kind != 0 {
			return n
		}
	}
	return yaml.Node{}
}

func decodeStringOrSlice(node yaml.Node) ([]string, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var ss []string
	if err := node.Decode(&ss); err != nil {
		return nil, err
	}
	return ss, nil
}

func decodeActionOrSlice(node yaml.Node) ([]Action, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind == yaml.MappingNode {
		var a Action
		if err := node.Decode(&a); err != nil {
			return nil, err
		}
		return []Action{a}, nil
	}
	var as []Action
	if err := node.Decode(&as); err != nil {
		return nil, err
	}
	return as, nil
}

// Config is the top-level, ordered rule set loaded from the daemon's YAML
// configuration file.
type Config struct {
	Rules []Rule `yaml:"rules"`
}

// configDoc is the raw top-level YAML document shape.
type configDoc struct {
	Rules []Rule `yaml:"rules"`
}

// defaultConfigTemplate is written by LoadOrInit when no config file exists
// yet, following the original implementation's Config::save_with_comments
// (original_source/src/config.rs).
const defaultConfigTemplate = `# viberot configuration file
#
# This file defines rules for intercepting and reacting to command-line
# activity. Each rule pairs one or more glob "commands" patterns with one
# or more "actions" to launch while a matching command is running.
#
# Example:
#
# rules:
#   - command: "*cargo build*"
#     action:
#       type: exec
#       path: overlay
#       single_instance: true
#
#   - commands:
#       - "*npm-cli.js* install *"
#       - "*pip* install *"
#     action:
#       type: exec
#       path: "${VIBEROT_ACTIONS}/installer-overlay"
#       args: ["--quiet"]

rules: []
`

// LoadConfig reads, parses, and validates the YAML file at path. It returns
// a single error aggregating every structural validation failure found
// (via errors.Join), not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var doc configDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	cfg := &Config{Rules: doc.Rules}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return cfg, nil
}

// LoadOrInit behaves like LoadConfig, except that when path does not exist
// it first writes a commented default config file (an empty rule set) and
// returns that empty Config rather than failing. This reproduces the
// original implementation's first-run bootstrap (SPEC_FULL.md §4.2.1).
func LoadOrInit(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
			return nil, fmt.Errorf("config: cannot write default config at %q: %w", path, err)
		}
		return &Config{}, nil
	}
	return LoadConfig(path)
}

// validate checks every rule's structural shape. It deliberately does not
// fail on an unsupported Action.Type: spec.md §3 requires those to be
// "rejected with a warning", which UnsupportedActions surfaces separately
// for the caller to log, not a load failure.
func validate(cfg *Config) error {
	var errs []error
	for i, r := range cfg.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if len(r.Commands) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one command pattern is required", prefix))
		}
		if len(r.Actions) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one action is required", prefix))
		}
		for j, a := range r.Actions {
			if a.Type == ActionExec && strings.TrimSpace(a.Path) == "" {
				errs = append(errs, fmt.Errorf("%s.actions[%d]: exec action requires a path", prefix, j))
			}
		}
	}
	return errors.Join(errs...)
}

// UnsupportedActions returns, for logging by the caller, a warning string
// for every action in c whose Type is not recognized by this core. Rule
// and action indices are included so the caller can produce a precise
// warning, matching the "rejected with a warning" contract of spec.md §3
// without treating the condition as a load error.
func (c *Config) UnsupportedActions() []string {
	var warnings []string
	for i, r := range c.Rules {
		for j, a := range r.Actions {
			if a.Type != ActionExec {
				warnings = append(warnings, fmt.Sprintf(
					"rules[%d].actions[%d]: action type %q is not implemented by this core and will never run",
					i, j, a.Type))
			}
		}
	}
	return warnings
}

// Fingerprint returns a stable hash of c's rule set such that two
// fingerprints are equal iff the two configs are equal for the purposes of
// rule matching (spec.md §4.2's cache key). It is an FNV-1a digest over a
// canonical textual encoding, not a cryptographic hash.
func (c *Config) Fingerprint() uint64 {
	h := fnv.New64a()
	for _, r := range c.Rules {
		for _, cmd := range r.Commands {
			_, _ = h.Write([]byte{'c'})
			_, _ = fmt.Fprintf(h, "%d:%s", len(cmd), cmd)
		}
		for _, a := range r.Actions {
			_, _ = h.Write([]byte{'a'})
			_, _ = fmt.Fprintf(h, "%d:%s", len(a.Type), a.Type)
			_, _ = fmt.Fprintf(h, "%d:%s", len(a.Path), a.Path)
			for _, arg := range a.Args {
				_, _ = fmt.Fprintf(h, "%d:%s", len(arg), arg)
			}
			if a.SingleInstance {
				_, _ = h.Write([]byte{1})
			}
		}
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
