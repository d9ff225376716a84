// macOS implementation of the system-wide kernel probe using kqueue
// EVFILT_PROC.
//
// On Darwin there is no NETLINK_CONNECTOR or /proc filesystem. Instead,
// kqueue's EVFILT_PROC filter is used to receive NOTE_EXEC notifications
// when a watched process calls execve. Because EVFILT_PROC requires a
// specific PID (it is not a system-wide subscription), two complementary
// mechanisms work together:
//
//  1. kqueue event loop — NOTE_EXEC fires for already-tracked PIDs;
//     NOTE_FORK fires when a tracked process spawns a child; NOTE_TRACK
//     asks the kernel to auto-register the child for the same events so
//     exec detection is transitive for any process descended from one we
//     already watch.
//
//  2. Poll loop — every pollInterval the full process list is
//     re-enumerated via `ps` and any PID not yet in the kqueue is added.
//     This acts as a safety net for processes that existed before the
//     probe started, and for children where NOTE_TRACK failed
//     (NOTE_TRACKERR).
//
// Privilege requirement: EVFILT_PROC filters succeed only for processes
// owned by the current user (or all processes when running as root).
// Filters for other users' processes silently fail in addPID.
//
//go:build darwin

package probe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/endernoke/viberot/internal/lifecycle"
)

const (
	noteTrack    uint32 = 0x00000001
	noteTrackErr uint32 = 0x00000002
	noteChild    uint32 = 0x00000004
)

const procKqueueFflags uint32 = unix.NOTE_EXEC | unix.NOTE_FORK | unix.NOTE_EXIT | noteTrack

const processKqueuePollInterval = 500 * time.Millisecond

type procKqueueState struct {
	kqfd int
	mu   sync.Mutex
	pids map[int]struct{}
}

func (s *procKqueueState) addPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pids[pid]; exists {
		return
	}

	kev := unix.Kevent_t{
		Ident:  uint64(pid),
		Filter: unix.EVFILT_PROC,
		Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_CLEAR,
		Fflags: procKqueueFflags,
	}
	if _, err := unix.Kevent(s.kqfd, []unix.Kevent_t{kev}, nil, nil); err == nil {
		s.pids[pid] = struct{}{}
	}
}

func (s *procKqueueState) removePID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pids, pid)
}

// KernelProbe is the Darwin system-wide probe.
type KernelProbe struct {
	bus    *lifecycle.Bus
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewKernelProbe creates a Darwin KernelProbe that publishes onto bus. If
// logger is nil, slog.Default() is used.
func NewKernelProbe(bus *lifecycle.Bus, logger *slog.Logger) *KernelProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &KernelProbe{bus: bus, logger: logger}
}

func (p *KernelProbe) Capability() Capability { return Polling }
func (p *KernelProbe) Name() string           { return string(lifecycle.ProbeKernelTrace) }

// Start opens a kqueue, seeds the initial watchlist with all running
// processes, and launches the event loop and poll loop. Start is a no-op
// if the probe is already running.
func (p *KernelProbe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return nil
	}

	kqfd, err := unix.Kqueue()
	if err != nil {
		return fmt.Errorf("kernel probe: kqueue: %w", err)
	}

	state := &procKqueueState{kqfd: kqfd, pids: make(map[int]struct{})}
	for _, pid := range listRunningPIDs() {
		state.addPID(pid)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.runKqueueLoop(ctx, state)
	go p.runPollLoop(ctx, state)

	p.logger.Info("kernel probe started", slog.String("mechanism", "kqueue/EVFILT_PROC+poll"))
	return nil
}

// Stop signals the background goroutines to exit and waits for them.
// Idempotent.
func (p *KernelProbe) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		cancel := p.cancel
		p.cancel = nil
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		p.wg.Wait()
		p.logger.Info("kernel probe stopped")
	})
}

func (p *KernelProbe) runKqueueLoop(ctx context.Context, state *procKqueueState) {
	defer p.wg.Done()
	defer func() { _ = unix.Close(state.kqfd) }()

	events := make([]unix.Kevent_t, 32)
	timeout := unix.Timespec{Nsec: 100_000_000}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Kevent(state.kqfd, nil, events, &timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.logger.Warn("kernel probe: kevent error", slog.Any("error", err))
			return
		}

		for i := 0; i < n; i++ {
			p.handleKevent(state, &events[i])
		}
	}
}

func (p *KernelProbe) handleKevent(state *procKqueueState, ev *unix.Kevent_t) {
	pid := int(ev.Ident)
	fflags := ev.Fflags

	switch {
	case fflags&unix.NOTE_EXEC != 0:
		cmdline := darwinCmdline(pid)
		publish(p.bus, lifecycle.ProbeKernelTrace, lifecycle.ProcessEvent{
			Pid:       uint32(pid),
			Command:   cmdline,
			Timestamp: lifecycle.Now().Unix(),
		})

	case fflags&unix.NOTE_FORK != 0:
		childPID := int(ev.Data)
		if childPID > 0 {
			state.addPID(childPID)
		}

	case fflags&noteTrackErr != 0:
		p.logger.Debug("kernel probe: NOTE_TRACKERR, child not tracked", slog.Int("pid", pid))

	case fflags&noteChild != 0:
		state.mu.Lock()
		state.pids[pid] = struct{}{}
		state.mu.Unlock()

	case fflags&unix.NOTE_EXIT != 0:
		state.removePID(pid)
		p.bus.Publish(lifecycle.Ended(uint32(pid)))
	}
}

func (p *KernelProbe) runPollLoop(ctx context.Context, state *procKqueueState) {
	defer p.wg.Done()

	ticker := time.NewTicker(processKqueuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pid := range listRunningPIDs() {
				state.addPID(pid)
			}
		}
	}
}

// darwinCmdline reads the command line for pid using the KERN_PROCARGS2
// sysctl. Returns lifecycle.UnknownCommand when the process has already
// exited or the caller lacks permission.
func darwinCmdline(pid int) string {
	raw, err := unix.SysctlRaw("kern.procargs2", int32(pid))
	if err != nil || len(raw) < 4 {
		return lifecycle.UnknownCommand
	}

	rest := raw[4:]
	if idx := bytes.IndexByte(rest, 0); idx >= 0 {
		rest = rest[idx+1:]
	} else {
		return lifecycle.UnknownCommand
	}

	for len(rest) > 0 && rest[0] == 0 {
		rest = rest[1:]
	}

	var args []string
	for len(rest) > 0 && len(args) < 64 {
		idx := bytes.IndexByte(rest, 0)
		if idx < 0 {
			if len(rest) > 0 {
				args = append(args, string(rest))
			}
			break
		}
		if idx > 0 {
			args = append(args, string(rest[:idx]))
		}
		rest = rest[idx+1:]
	}

	if len(args) == 0 {
		return lifecycle.UnknownCommand
	}
	return strings.Join(args, " ")
}

// listRunningPIDs returns the PIDs of all currently running processes on
// the system by invoking `ps -axo pid=`. An empty slice is returned on any
// error.
func listRunningPIDs() []int {
	out, err := exec.Command("ps", "-axo", "pid=").Output()
	if err != nil {
		return nil
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if pid, err := strconv.Atoi(line); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}
