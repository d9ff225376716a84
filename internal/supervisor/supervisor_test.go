package supervisor_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/endernoke/viberot/internal/config"
	"github.com/endernoke/viberot/internal/lifecycle"
	"github.com/endernoke/viberot/internal/supervisor"
)

// fakeOrchestrator records every call made to it.
type fakeOrchestrator struct {
	mu       sync.Mutex
	started  []lifecycle.ProcessEvent
	finished []uint32
	shutdown bool
}

func (f *fakeOrchestrator) StartActions(ctx context.Context, actions []config.Action, evt lifecycle.ProcessEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, evt)
	return nil
}

func (f *fakeOrchestrator) FinishAction(pid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, pid)
}

func (f *fakeOrchestrator) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func (f *fakeOrchestrator) snapshot() ([]lifecycle.ProcessEvent, []uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lifecycle.ProcessEvent(nil), f.started...), append([]uint32(nil), f.finished...), f.shutdown
}

func loadStore(t *testing.T, yamlBody string) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return config.NewStore(cfg)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSupervisor_MatchedCommandStartsActions(t *testing.T) {
	store := loadStore(t, `
rules:
  - command: "*cargo build*"
    action: {type: exec, path: overlay}
`)
	orch := &fakeOrchestrator{}
	sup := supervisor.New(store, orch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	sup.Bus().Publish(lifecycle.Started(lifecycle.ProcessEvent{
		Pid:     123,
		Command: "cargo build --release",
	}))

	waitUntil(t, time.Second, func() bool {
		started, _, _ := orch.snapshot()
		return len(started) == 1
	})
}

func TestSupervisor_EndedEventFinishesAction(t *testing.T) {
	store := loadStore(t, `
rules:
  - command: "*cargo build*"
    action: {type: exec, path: overlay}
`)
	orch := &fakeOrchestrator{}
	sup := supervisor.New(store, orch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	sup.Bus().Publish(lifecycle.Ended(123))

	waitUntil(t, time.Second, func() bool {
		_, finished, _ := orch.snapshot()
		return len(finished) == 1 && finished[0] == 123
	})
}

func TestSupervisor_NonMatchingCommandIsIgnored(t *testing.T) {
	store := loadStore(t, `
rules:
  - command: "*cargo build*"
    action: {type: exec, path: overlay}
`)
	orch := &fakeOrchestrator{}
	sup := supervisor.New(store, orch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	sup.Bus().Publish(lifecycle.Started(lifecycle.ProcessEvent{Pid: 1, Command: "ls -la"}))
	time.Sleep(100 * time.Millisecond)

	started, _, _ := orch.snapshot()
	if len(started) != 0 {
		t.Fatalf("expected no actions started, got %+v", started)
	}
}

func TestSupervisor_StopCallsOrchestratorShutdown(t *testing.T) {
	store := loadStore(t, `rules: []`)
	orch := &fakeOrchestrator{}
	sup := supervisor.New(store, orch, nil)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sup.Stop()

	_, _, shutdown := orch.snapshot()
	if !shutdown {
		t.Fatal("expected Shutdown to have been called")
	}
}

func TestSupervisor_HealthzHandlerReportsStatus(t *testing.T) {
	store := loadStore(t, `rules: []`)
	orch := &fakeOrchestrator{}
	sup := supervisor.New(store, orch, nil)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	sup.HealthzHandler(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body supervisor.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status field = %q, want ok", body.Status)
	}
}

func TestSupervisor_DoubleStartErrors(t *testing.T) {
	store := loadStore(t, `rules: []`)
	orch := &fakeOrchestrator{}
	sup := supervisor.New(store, orch, nil)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	if err := sup.Start(context.Background()); err == nil {
		t.Fatal("expected error on second Start")
	}
}
