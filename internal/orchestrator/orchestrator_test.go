package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/endernoke/viberot/internal/config"
	"github.com/endernoke/viberot/internal/lifecycle"
	"github.com/endernoke/viberot/internal/orchestrator"
)

// scriptAction writes an executable shell script into dir and returns a
// config.Action that launches it.
func scriptAction(t *testing.T, dir, name, body string) config.Action {
	t.Helper()
	path := filepath.Join(dir, name)
	full := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(full), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return config.Action{Type: config.ActionExec, Path: path}
}

func waitForFile(t *testing.T, path string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to appear", path)
}

func TestOrchestrator_StartActionsLaunchesAndInjectsEnv(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran.env")
	action := scriptAction(t, dir, "run.sh", `env > "`+marker+`"`)

	o := orchestrator.New(nil, orchestrator.WithRootDir(dir))
	evt := lifecycle.ProcessEvent{
		Pid:     4242,
		Command: "cargo build",
		Source:  lifecycle.ProbeKernelTrace,
	}

	if err := o.StartActions(context.Background(), []config.Action{action}, evt); err != nil {
		t.Fatalf("StartActions: %v", err)
	}
	waitForFile(t, marker, 2*time.Second)

	o.FinishAction(evt.Pid)
	o.Shutdown()

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	env := string(data)
	for _, want := range []string{"VIBEROT_PID=4242", "VIBEROT_COMMAND=cargo build", "VIBEROT_PID_TYPE=system"} {
		if !contains(env, want) {
			t.Errorf("env missing %q; got:\n%s", want, env)
		}
	}
}

func TestOrchestrator_SingleInstanceSkipsSecondLaunch(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "count")
	action := scriptAction(t, dir, "run.sh", `echo x >> "`+marker+`"; sleep 1`)
	action.SingleInstance = true

	o := orchestrator.New(nil, orchestrator.WithRootDir(dir))

	evt1 := lifecycle.ProcessEvent{Pid: 1, Command: "a"}
	evt2 := lifecycle.ProcessEvent{Pid: 2, Command: "a"}

	if err := o.StartActions(context.Background(), []config.Action{action}, evt1); err != nil {
		t.Fatalf("StartActions 1: %v", err)
	}
	waitForFile(t, marker, 2*time.Second)

	if err := o.StartActions(context.Background(), []config.Action{action}, evt2); err != nil {
		t.Fatalf("StartActions 2: %v", err)
	}

	o.FinishAction(evt1.Pid)
	o.FinishAction(evt2.Pid)
	o.Shutdown()

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if got := countLines(string(data)); got != 1 {
		t.Fatalf("marker has %d lines, want 1 (second launch should have been skipped)", got)
	}
}

func TestOrchestrator_FinishActionTerminatesChild(t *testing.T) {
	dir := t.TempDir()
	action := scriptAction(t, dir, "run.sh", `sleep 30`)

	o := orchestrator.New(nil, orchestrator.WithRootDir(dir))
	evt := lifecycle.ProcessEvent{Pid: 99}

	if err := o.StartActions(context.Background(), []config.Action{action}, evt); err != nil {
		t.Fatalf("StartActions: %v", err)
	}

	done := make(chan struct{})
	go func() {
		o.FinishAction(evt.Pid)
		o.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("FinishAction/Shutdown did not return in time; child was not terminated")
	}
}

func TestOrchestrator_UnresolvableRelativePathErrors(t *testing.T) {
	o := orchestrator.New(nil, orchestrator.WithRootDir(""))
	evt := lifecycle.ProcessEvent{Pid: 1}
	err := o.StartActions(context.Background(), []config.Action{
		{Type: config.ActionExec, Path: "./actions/overlay"},
	}, evt)
	if err == nil {
		t.Fatal("expected error for relative path with no project root")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func countLines(s string) int {
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
