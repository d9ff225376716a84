// Package supervisor wires together the process probes, the lifecycle bus,
// the rule engine, and the action orchestrator into a single runnable
// daemon component, and exposes a /healthz liveness endpoint.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/endernoke/viberot/internal/config"
	"github.com/endernoke/viberot/internal/lifecycle"
	"github.com/endernoke/viberot/internal/orchestrator"
	"github.com/endernoke/viberot/internal/probe"
	"github.com/endernoke/viberot/internal/rules"
)

// Supervisor is the central orchestrator of the viberot daemon. It starts
// and supervises all probes, and drives matched lifecycle events through
// the rule engine into the action orchestrator.
type Supervisor struct {
	store  *config.Store
	logger *slog.Logger
	probes []probe.Probe

	bus    *lifecycle.Bus
	engine *rules.Engine
	orch   *Orchestrator

	startTime time.Time
	cancel    context.CancelFunc

	mu            sync.RWMutex
	lastMatchedAt time.Time
	matchedCount  int
	running       bool
	wg            sync.WaitGroup
}

// Orchestrator is the subset of *orchestrator.Orchestrator the supervisor
// depends on, named here so tests can substitute a fake.
type Orchestrator interface {
	StartActions(ctx context.Context, actions []config.Action, evt lifecycle.ProcessEvent) error
	FinishAction(pid uint32)
	Shutdown()
}

var _ Orchestrator = (*orchestrator.Orchestrator)(nil)

// New creates a Supervisor reading rules from store and dispatching matched
// actions through orch. Provide probes via WithProbes; a supervisor with no
// probes registered observes nothing, which is useful in tests.
func New(store *config.Store, orch Orchestrator, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		store:  store,
		logger: logger,
		orch:   orch,
		bus:    lifecycle.NewBus(lifecycle.DefaultSubscriberCapacity, logger),
		engine: rules.NewEngine(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option is a functional option for Supervisor construction.
type Option func(*Supervisor)

// WithProbes registers one or more process probes with the supervisor.
// The supervisor only receives events published onto its own Bus, which
// New creates; probes built before New returns cannot hold that Bus.
func WithProbes(ps ...probe.Probe) Option {
	return func(s *Supervisor) {
		s.probes = append(s.probes, ps...)
	}
}

// Bus returns the lifecycle bus probes must publish events onto. The bus
// is created by New and cannot be supplied from outside, so probes that
// publish events are constructed after the Supervisor, with this Bus, and
// registered with AddProbe.
func (s *Supervisor) Bus() *lifecycle.Bus { return s.bus }

// AddProbe registers a probe after construction. It must be called before
// Start.
func (s *Supervisor) AddProbe(p probe.Probe) {
	s.probes = append(s.probes, p)
}

// Start subscribes to the lifecycle bus, starts every registered probe, and
// begins matching observed commands against the current configuration. A
// probe that fails to start is logged and skipped; Start returns a non-nil
// error only when probes are registered and none of them starts.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("starting viberot supervisor",
		slog.Int("num_rules", len(s.store.Get().Rules)),
		slog.Int("num_probes", len(s.probes)),
	)

	events, unsubscribe := s.bus.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.processEvents(ctx, events)
	}()

	started := 0
	for _, p := range s.probes {
		if err := p.Start(ctx); err != nil {
			s.logger.Warn("probe failed to start, continuing without it",
				slog.String("probe", p.Name()), slog.Any("error", err))
			continue
		}
		started++
	}
	if started == 0 && len(s.probes) > 0 {
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("supervisor: no probe could be started")
	}

	s.logger.Info("viberot supervisor started", slog.Int("active_probes", started))
	return nil
}

// Stop signals all probes to shut down, waits for internal goroutines to
// exit, and drains the action orchestrator. It is safe to call Stop
// multiple times.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	for _, p := range s.probes {
		p.Stop()
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.bus.Close()
	s.wg.Wait()

	if s.orch != nil {
		s.orch.Shutdown()
	}

	s.logger.Info("viberot supervisor stopped")
}

// processEvents reads lifecycle events from the bus and dispatches them to
// the rule engine and orchestrator. It exits when events is closed or ctx
// is cancelled.
func (s *Supervisor) processEvents(ctx context.Context, events <-chan lifecycle.ProcessLifecycleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, evt)
		}
	}
}

// handleEvent matches a Started event against the current configuration and
// forwards any resulting actions to the orchestrator, or forwards an Ended
// event so the orchestrator can finish any actions it started.
func (s *Supervisor) handleEvent(ctx context.Context, evt lifecycle.ProcessLifecycleEvent) {
	switch evt.Kind {
	case lifecycle.KindEnded:
		if s.orch != nil {
			s.orch.FinishAction(evt.Pid)
		}
	case lifecycle.KindStarted:
		cfg := s.store.Get()
		actions := s.engine.Match(evt.Event.Command, cfg)
		if len(actions) == 0 {
			return
		}

		s.mu.Lock()
		s.lastMatchedAt = time.Now()
		s.matchedCount++
		s.mu.Unlock()

		s.logger.Info("command matched rule",
			slog.String("command", evt.Event.Command),
			slog.Uint64("pid", uint64(evt.Pid)),
			slog.Int("num_actions", len(actions)),
		)

		if s.orch != nil {
			if err := s.orch.StartActions(ctx, actions, *evt.Event); err != nil {
				s.logger.Warn("failed to start one or more actions", slog.Any("error", err))
			}
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status        string  `json:"status"`
	UptimeS       float64 `json:"uptime_s"`
	NumRules      int     `json:"num_rules"`
	MatchedCount  int     `json:"matched_count"`
	LastMatchedAt string  `json:"last_matched_at,omitempty"`
}

// Health returns a snapshot of the current supervisor health state.
func (s *Supervisor) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := HealthStatus{
		Status:       "ok",
		UptimeS:      time.Since(s.startTime).Seconds(),
		NumRules:     len(s.store.Get().Rules),
		MatchedCount: s.matchedCount,
	}
	if !s.lastMatchedAt.IsZero() {
		h.LastMatchedAt = s.lastMatchedAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the supervisor's
// health status as a JSON object and HTTP 200.
func (s *Supervisor) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
