// Stub kernel probe for platforms without a NETLINK_CONNECTOR or kqueue
// EVFILT_PROC implementation.
//
//go:build !linux && !darwin

package probe

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/endernoke/viberot/internal/lifecycle"
)

// KernelProbe is a stub on platforms that have no kernel-level process
// tracing backend wired up yet. Start always fails with a descriptive
// error; Stop is a no-op. Add a kernel_<goos>.go file alongside this one to
// support a new platform.
type KernelProbe struct {
	logger *slog.Logger
}

// NewKernelProbe returns a stub KernelProbe. bus is accepted for interface
// parity with the Linux and Darwin implementations but is never published
// to.
func NewKernelProbe(bus *lifecycle.Bus, logger *slog.Logger) *KernelProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &KernelProbe{logger: logger}
}

func (p *KernelProbe) Capability() Capability { return Polling }
func (p *KernelProbe) Name() string           { return string(lifecycle.ProbeKernelTrace) }

// Start always returns an error: system-wide process tracing is only
// implemented for Linux (NETLINK_CONNECTOR) and Darwin (kqueue
// EVFILT_PROC) in this core.
func (p *KernelProbe) Start(_ context.Context) error {
	p.logger.Error("kernel probe: process monitoring is not implemented for this platform",
		slog.String("goos", runtime.GOOS))
	return fmt.Errorf("kernel probe: system-wide process tracing is not supported on %s; "+
		"use the shell probe instead", runtime.GOOS)
}

// Stop is a no-op on the stub.
func (p *KernelProbe) Stop() {}
