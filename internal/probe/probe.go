// Package probe contains the pluggable process-observation backends that
// feed the lifecycle Bus: a system-wide kernel tracer (NETLINK_CONNECTOR on
// Linux, kqueue EVFILT_PROC on Darwin) and a POSIX-shell probe that
// receives self-reported command events over a Unix domain socket.
package probe

import (
	"context"

	"github.com/endernoke/viberot/internal/lifecycle"
)

// Capability describes what a Probe implementation can observe, so the
// supervisor can log an accurate picture of the daemon's coverage.
type Capability int

const (
	// SystemWide means the probe observes every process on the host,
	// independent of how it was launched.
	SystemWide Capability = iota
	// ShellOnly means the probe only observes commands run from a shell
	// that has been configured to report them.
	ShellOnly
	// Polling means the probe falls back to periodic enumeration rather
	// than kernel-driven notification, and so may miss short-lived
	// processes between polls.
	Polling
)

func (c Capability) String() string {
	switch c {
	case SystemWide:
		return "system_wide"
	case ShellOnly:
		return "shell_only"
	case Polling:
		return "polling"
	default:
		return "unknown"
	}
}

// Probe is the common interface implemented by every process-observation
// backend. Implementations must be safe for concurrent use and must
// publish every observed event onto the lifecycle.Bus supplied at
// construction, rather than exposing their own channel, so the supervisor
// can run an arbitrary number of probes side by side.
type Probe interface {
	// Start begins monitoring. It returns once monitoring is underway, or
	// an error if initialization failed. Calling Start on an
	// already-running probe is a no-op.
	Start(ctx context.Context) error

	// Stop signals the probe to cease monitoring and blocks until its
	// background goroutines have exited. Stop is idempotent.
	Stop()

	// Capability reports what this probe can observe.
	Capability() Capability

	// Name identifies the probe for logging (e.g. "kernel_trace",
	// "posix_shell").
	Name() string
}

// publish is a small helper shared by probe implementations: it stamps the
// event's Source field before handing it to the bus, so a caller cannot
// forget to set it.
func publish(bus *lifecycle.Bus, source lifecycle.ProbeSource, evt lifecycle.ProcessEvent) {
	evt.Source = source
	bus.Publish(lifecycle.Started(evt))
}
