// Package orchestrator launches and supervises the child processes that
// config.Action values describe, in response to lifecycle events matched
// by the rule engine. It is grounded on the original implementation's
// action_orchestrator.rs: path resolution with ${VAR} expansion and
// project-root-relative fallback, single-instance deduplication, and
// graceful-then-forced child termination.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/endernoke/viberot/internal/audit"
	"github.com/endernoke/viberot/internal/config"
	"github.com/endernoke/viberot/internal/lifecycle"
)

// terminationGrace is how long a terminating child is given to exit after
// its stdin is closed before it is force-killed, matching the original
// implementation's 3-second grace window.
const terminationGrace = 3 * time.Second

// activeAction is a launched child process tracked against the PID (real
// or synthetic) of the command that triggered it.
type activeAction struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	actionKey string
}

// Orchestrator launches config.Action values as child processes and
// supervises their lifetime. Orchestrator is safe for concurrent use.
//
// activeMu and singleMu are never held at the same time: StartActions,
// FinishAction and Shutdown each release one before taking the other, so
// there is no lock-order inversion.
type Orchestrator struct {
	logger  *slog.Logger
	audit   *audit.Logger // optional; nil disables audit logging
	rootDir string        // resolved project root, or "" if not found

	activeMu    sync.Mutex
	active      map[uint32][]*activeAction
	singleMu    sync.Mutex
	runningKeys map[string]struct{}

	wg sync.WaitGroup
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithAuditLogger records every spawn, finish, and single-instance skip to
// logger.
func WithAuditLogger(logger *audit.Logger) Option {
	return func(o *Orchestrator) { o.audit = logger }
}

// WithRootDir sets the project root explicitly, so New skips
// ResolveProjectRoot. An empty dir leaves discovery in effect.
// ResolveProjectRoot itself honors $VIBEROT_HOME.
func WithRootDir(dir string) Option {
	return func(o *Orchestrator) { o.rootDir = dir }
}

// New creates an Orchestrator. If logger is nil, slog.Default() is used.
// If no WithRootDir option is given, New attempts ResolveProjectRoot and
// logs a warning (but does not fail) if no project root can be found;
// relative action paths will then fail to resolve at launch time.
func New(logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		logger:      logger,
		active:      make(map[uint32][]*activeAction),
		runningKeys: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rootDir == "" {
		if root, err := ResolveProjectRoot(); err == nil {
			o.rootDir = root
		} else {
			logger.Warn("orchestrator: could not resolve project root; " +
				"relative action paths and ${VIBEROT_HOME} will not resolve")
		}
	}
	return o
}

// StartActions launches every action in actions that a matched rule
// produced for evt, skipping any single-instance action that already has a
// live instance. It returns an aggregate error (via errors.Join) if any
// action failed to spawn; actions that did spawn are still tracked.
func (o *Orchestrator) StartActions(ctx context.Context, actions []config.Action, evt lifecycle.ProcessEvent) error {
	var errs []error
	for _, a := range actions {
		if err := o.startAction(ctx, a, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) startAction(ctx context.Context, a config.Action, evt lifecycle.ProcessEvent) error {
	if a.Type != config.ActionExec {
		return fmt.Errorf("orchestrator: action type %q is not implemented", a.Type)
	}

	key := a.Key()
	if a.SingleInstance {
		o.singleMu.Lock()
		if _, running := o.runningKeys[key]; running {
			o.singleMu.Unlock()
			o.logger.Info("orchestrator: single-instance action already running, skipping",
				slog.String("action", key))
			o.recordSkipped(key, evt.Pid)
			return nil
		}
		o.runningKeys[key] = struct{}{}
		o.singleMu.Unlock()
	}

	if err := o.startExecutableAction(ctx, a, evt); err != nil {
		if a.SingleInstance {
			o.singleMu.Lock()
			delete(o.runningKeys, key)
			o.singleMu.Unlock()
		}
		return err
	}
	return nil
}

// startExecutableAction resolves a.Path, spawns the child with the
// environment described in SPEC_FULL.md §4.2.4, and tracks it under
// evt.Pid.
func (o *Orchestrator) startExecutableAction(ctx context.Context, a config.Action, evt lifecycle.ProcessEvent) error {
	resolved, err := o.resolveActionPath(a.Path)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve path for action %q: %w", a.Key(), err)
	}

	cmd := exec.CommandContext(ctx, resolved, a.Args...)
	if o.rootDir != "" {
		cmd.Dir = o.rootDir
	}
	cmd.Env = o.buildEnv(evt)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("orchestrator: stdin pipe for action %q: %w", a.Key(), err)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("orchestrator: spawn action %q (resolved %q): %w", a.Path, resolved, err)
	}

	o.logger.Info("orchestrator: started action",
		slog.String("action", a.Key()),
		slog.String("resolved_path", resolved),
		slog.Int("child_pid", cmd.Process.Pid),
		slog.Uint64("trigger_pid", uint64(evt.Pid)),
	)
	o.recordSpawned(a, cmd.Process.Pid, evt)

	o.activeMu.Lock()
	o.active[evt.Pid] = append(o.active[evt.Pid], &activeAction{cmd: cmd, stdin: stdin, actionKey: a.Key()})
	o.activeMu.Unlock()

	// Reap the child in the background so it never becomes a zombie, even
	// if FinishAction is never called for this trigger PID (e.g. the
	// watched process was never observed to end).
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = cmd.Wait()
	}()

	return nil
}

// buildEnv constructs the environment passed to a spawned action,
// following the original implementation's start_executable_action, plus
// the VIBEROT_ENV_<KEY> passthrough supplemented from original_source in
// SPEC_FULL.md §4.2.4.
func (o *Orchestrator) buildEnv(evt lifecycle.ProcessEvent) []string {
	env := os.Environ()
	env = append(env,
		"VIBEROT_PID="+fmt.Sprint(evt.Pid),
		"VIBEROT_COMMAND="+evt.Command,
		"VIBEROT_TIMESTAMP="+fmt.Sprint(evt.Timestamp),
	)
	if evt.WorkingDirectory != "" {
		env = append(env, "VIBEROT_WORKING_DIRECTORY="+evt.WorkingDirectory)
	}
	if evt.ShellSessionID != "" {
		env = append(env, "VIBEROT_SHELL_SESSION_ID="+evt.ShellSessionID)
	}
	if evt.Source == lifecycle.ProbePosixShell {
		env = append(env, "VIBEROT_PID_TYPE=synthetic")
	} else {
		env = append(env, "VIBEROT_PID_TYPE=system")
	}
	if o.rootDir != "" {
		env = append(env, "VIBEROT_HOME="+o.rootDir)
	}
	for k, v := range evt.Environment {
		env = append(env, "VIBEROT_ENV_"+strings.ToUpper(k)+"="+v)
	}
	return env
}

// resolveActionPath resolves an action's configured path: a bare executable
// name (no path separator and no '.') is left for PATH lookup by
// exec.Command; otherwise ${VAR} placeholders are expanded
// and the result is used as-is if absolute, or joined to the project root
// if relative.
func (o *Orchestrator) resolveActionPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)

	if !strings.ContainsAny(trimmed, `/\`) && !strings.Contains(trimmed, ".") {
		return trimmed, nil
	}

	expanded, err := o.expandVars(trimmed)
	if err != nil {
		return "", err
	}

	if filepath.IsAbs(expanded) {
		return expanded, nil
	}
	if o.rootDir == "" {
		return "", errors.New("action path is relative but no project root could be resolved")
	}
	return filepath.Join(o.rootDir, expanded), nil
}

// expandVars replaces every ${VAR} placeholder in s. VIBEROT_HOME and
// VIBEROT_ACTIONS resolve against the orchestrator's project root; any
// other name is looked up via os.LookupEnv, left unexpanded (with a
// logged warning) if unset.
func (o *Orchestrator) expandVars(s string) (string, error) {
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		name := rest[start+2 : end]

		switch name {
		case "VIBEROT_HOME":
			if o.rootDir == "" {
				return "", fmt.Errorf("cannot expand ${VIBEROT_HOME}: no project root resolved")
			}
			b.WriteString(o.rootDir)
		case "VIBEROT_ACTIONS":
			if o.rootDir == "" {
				return "", fmt.Errorf("cannot expand ${VIBEROT_ACTIONS}: no project root resolved")
			}
			b.WriteString(filepath.Join(o.rootDir, "actions"))
		default:
			if v, ok := os.LookupEnv(name); ok {
				b.WriteString(v)
			} else {
				o.logger.Warn("orchestrator: environment variable not found, leaving unexpanded",
					slog.String("var", name))
				b.WriteString("${" + name + "}")
			}
		}
		rest = rest[end+1:]
	}
	return b.String(), nil
}

// FinishAction is called when a probe reports that the process at pid has
// ended. It terminates every action that was launched for pid
// asynchronously (without blocking the caller), and releases any
// single-instance keys those actions held.
func (o *Orchestrator) FinishAction(pid uint32) {
	o.activeMu.Lock()
	actions := o.active[pid]
	delete(o.active, pid)
	o.activeMu.Unlock()

	if len(actions) == 0 {
		return
	}

	o.singleMu.Lock()
	for _, a := range actions {
		delete(o.runningKeys, a.actionKey)
	}
	o.singleMu.Unlock()

	o.logger.Info("orchestrator: finishing actions", slog.Uint64("pid", uint64(pid)), slog.Int("count", len(actions)))
	for _, a := range actions {
		o.recordFinished(a.actionKey, a.cmd.Process.Pid, pid)
		o.wg.Add(1)
		go func(a *activeAction) {
			defer o.wg.Done()
			o.terminateAsync(a)
		}(a)
	}
}

// terminateAsync closes the child's stdin, waits terminationGrace, and
// force-kills it if it has not exited by then.
func (o *Orchestrator) terminateAsync(a *activeAction) {
	o.closeStdinAndWait(a, terminationGrace)
}

// Shutdown synchronously terminates every remaining active action,
// waiting up to terminationGrace for each to exit gracefully before force
// killing it, then waits for all background reaper goroutines to finish.
func (o *Orchestrator) Shutdown() {
	o.logger.Info("orchestrator: shutting down")

	o.activeMu.Lock()
	all := o.active
	o.active = make(map[uint32][]*activeAction)
	o.activeMu.Unlock()

	o.singleMu.Lock()
	o.runningKeys = make(map[string]struct{})
	o.singleMu.Unlock()

	var wg sync.WaitGroup
	for pid, actions := range all {
		for _, a := range actions {
			wg.Add(1)
			go func(pid uint32, a *activeAction) {
				defer wg.Done()
				o.closeStdinAndWait(a, terminationGrace)
			}(pid, a)
		}
	}
	wg.Wait()

	o.wg.Wait()
	o.logger.Info("orchestrator: shutdown complete")
}

// closeStdinAndWait closes a's stdin (signalling the action plugin to wind
// down) then waits for it to exit, force-killing it after grace if it has
// not. It always blocks until the child has been reaped; callers that want
// fire-and-forget termination invoke it from their own goroutine.
func (o *Orchestrator) closeStdinAndWait(a *activeAction, grace time.Duration) {
	if a.stdin != nil {
		_ = a.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		_ = a.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		o.logger.Info("orchestrator: action did not exit gracefully, force killing",
			slog.String("action", a.actionKey))
		if a.cmd.Process != nil {
			_ = a.cmd.Process.Kill()
		}
		<-done
	}
}

func (o *Orchestrator) recordSpawned(a config.Action, childPID int, evt lifecycle.ProcessEvent) {
	if o.audit == nil {
		return
	}
	if _, err := o.audit.AppendJSON(audit.ActionSpawnedPayload{
		Kind:           audit.ActionSpawned,
		ActionKey:      a.Key(),
		ChildPID:       childPID,
		TriggerPID:     evt.Pid,
		TriggerCommand: evt.Command,
		Path:           a.Path,
		Args:           a.Args,
	}); err != nil {
		o.logger.Warn("orchestrator: audit append failed", slog.Any("error", err))
	}
}

func (o *Orchestrator) recordFinished(actionKey string, childPID int, triggerPID uint32) {
	if o.audit == nil {
		return
	}
	if _, err := o.audit.AppendJSON(audit.ActionFinishedPayload{
		Kind:       audit.ActionFinished,
		ActionKey:  actionKey,
		ChildPID:   childPID,
		TriggerPID: triggerPID,
	}); err != nil {
		o.logger.Warn("orchestrator: audit append failed", slog.Any("error", err))
	}
}

func (o *Orchestrator) recordSkipped(actionKey string, triggerPID uint32) {
	if o.audit == nil {
		return
	}
	if _, err := o.audit.AppendJSON(audit.ActionSkippedPayload{
		Kind:       audit.ActionSkipped,
		ActionKey:  actionKey,
		TriggerPID: triggerPID,
	}); err != nil {
		o.logger.Warn("orchestrator: audit append failed", slog.Any("error", err))
	}
}
