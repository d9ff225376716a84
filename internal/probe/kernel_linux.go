// Linux implementation of the system-wide kernel probe, using the
// NETLINK_CONNECTOR process connector. This mechanism delivers
// PROC_EVENT_EXEC and PROC_EVENT_EXIT notifications from the kernel with
// zero polling overhead.
//
// Privilege requirement: opening a NETLINK_CONNECTOR socket and
// subscribing to process events requires CAP_NET_ADMIN (or uid 0).
//
//go:build linux

package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/endernoke/viberot/internal/lifecycle"
)

// ─── Netlink Connector kernel ABI constants ────────────────────────────────
// Values from <linux/netlink.h> and <linux/connector.h>. Never change.

const (
	netlinkConnector = 11

	cnIdxProc uint32 = 1
	cnValProc uint32 = 1

	procCNMcastListen uint32 = 1
	procCNMcastIgnore uint32 = 2

	procEventExec uint32 = 0x00000002
	procEventExit uint32 = 0x80000000
)

// ─── Kernel struct sizes (byte offsets) ────────────────────────────────────
//
//	struct cn_msg         { idx(4) val(4) seq(4) ack(4) len(2) flags(2) }  → 20 B
//	struct proc_event hdr { what(4) cpu(4) timestamp_ns(8) }               → 16 B
//	struct exec_proc_event{ process_pid(4) process_tgid(4) }               →  8 B
//	struct exit_proc_event{ process_pid(4) process_tgid(4) exit_code(4) }  → 12 B
const (
	cnMsgSize       = 20
	procEvtHdrSize  = 16
	execInfoSize    = 8
	nlMsgHdrSize    = 16 // matches unix.SizeofNlMsghdr
	minProcEventLen = cnMsgSize + procEvtHdrSize + execInfoSize
)

// KernelProbe is the Linux system-wide probe. It publishes a Started event
// for every PROC_EVENT_EXEC and an Ended event for every PROC_EVENT_EXIT.
type KernelProbe struct {
	bus    *lifecycle.Bus
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewKernelProbe creates a Linux KernelProbe that publishes onto bus. If
// logger is nil, slog.Default() is used.
func NewKernelProbe(bus *lifecycle.Bus, logger *slog.Logger) *KernelProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &KernelProbe{bus: bus, logger: logger}
}

func (p *KernelProbe) Capability() Capability { return SystemWide }
func (p *KernelProbe) Name() string           { return string(lifecycle.ProbeKernelTrace) }

// Start opens a NETLINK_CONNECTOR socket, subscribes to kernel process
// events, and begins publishing lifecycle events. It returns a descriptive
// error if the caller lacks CAP_NET_ADMIN. Calling Start on an
// already-running probe is a no-op.
func (p *KernelProbe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return nil
	}

	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, netlinkConnector)
	if err != nil {
		return fmt.Errorf("kernel probe: open NETLINK_CONNECTOR socket: %w "+
			"(requires CAP_NET_ADMIN)", err)
	}

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: uint32(os.Getpid()), Groups: cnIdxProc}
	if err := unix.Bind(sock, sa); err != nil {
		_ = unix.Close(sock)
		return fmt.Errorf("kernel probe: bind NETLINK_CONNECTOR: %w", err)
	}

	if err := sendProcCNMsg(sock, procCNMcastListen); err != nil {
		_ = unix.Close(sock)
		return fmt.Errorf("kernel probe: subscribe to proc events: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.readLoop(ctx, sock)

	p.logger.Info("kernel probe started", slog.String("mechanism", "NETLINK_CONNECTOR"))
	return nil
}

// Stop signals the read loop to exit and waits for it. Idempotent.
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

func (p *KernelProbe) readLoop(ctx context.Context, sock int) {
	defer p.wg.Done()
	defer func() { _ = unix.Close(sock) }()

	tv := unix.Timeval{Sec: 1, Usec: 0}
	_ = unix.SetsockoptTimeval(sock, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)

	buf := make([]byte, 8*1024)

	for {
		select {
		case <-ctx.Done():
			_ = sendProcCNMsg(sock, procCNMcastIgnore)
			return
		default:
		}

		n, _, err := unix.Recvfrom(sock, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.logger.Warn("kernel probe: recvfrom error", slog.Any("error", err))
			return
		}

		p.parseNetlinkMessages(buf[:n])
	}
}

func (p *KernelProbe) parseNetlinkMessages(buf []byte) {
	msgs, err := unix.ParseNetlinkMessage(buf)
	if err != nil {
		p.logger.Warn("kernel probe: parse netlink message", slog.Any("error", err))
		return
	}
	for i := range msgs {
		p.handleNetlinkMessage(&msgs[i])
	}
}

func (p *KernelProbe) handleNetlinkMessage(msg *unix.NetlinkMessage) {
	if msg.Header.Type == unix.NLMSG_ERROR {
		return
	}

	data := msg.Data
	if len(data) < minProcEventLen {
		return
	}

	idx := binary.NativeEndian.Uint32(data[0:4])
	val := binary.NativeEndian.Uint32(data[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return
	}

	payloadLen := int(binary.NativeEndian.Uint16(data[16:18]))
	payload := data[cnMsgSize:]
	if payloadLen > len(payload) {
		return
	}
	payload = payload[:payloadLen]

	if len(payload) < procEvtHdrSize+execInfoSize {
		return
	}

	what := binary.NativeEndian.Uint32(payload[0:4])
	pid := binary.NativeEndian.Uint32(payload[procEvtHdrSize : procEvtHdrSize+4])

	switch what {
	case procEventExec:
		cmdline, cwd := readProcInfo(int(pid))
		publish(p.bus, lifecycle.ProbeKernelTrace, lifecycle.ProcessEvent{
			Pid:              pid,
			Command:          cmdline,
			Timestamp:        lifecycle.Now().Unix(),
			WorkingDirectory: cwd,
		})
	case procEventExit:
		p.bus.Publish(lifecycle.Ended(pid))
	}
}

// readProcInfo reads the resolved cmdline and cwd from /proc/<pid>,
// enriching the short-lived event before the process can exit. It returns
// lifecycle.UnknownCommand when the command line cannot be read (the
// process has already exited, or /proc/<pid>/cmdline is empty, as happens
// for kernel threads).
func readProcInfo(pid int) (cmdline, cwd string) {
	cmdline = lifecycle.UnknownCommand
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil && len(b) > 0 {
		cmdline = strings.TrimRight(strings.ReplaceAll(string(b), "\x00", " "), " ")
	}
	if link, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid)); err == nil {
		cwd = link
	}
	return cmdline, cwd
}

// sendProcCNMsg builds and sends a NETLINK_CONNECTOR message that instructs
// the kernel to start (PROC_CN_MCAST_LISTEN) or stop (PROC_CN_MCAST_IGNORE)
// delivering process events to the calling socket.
func sendProcCNMsg(sock int, op uint32) error {
	const opSize = 4
	const totalSize = nlMsgHdrSize + cnMsgSize + opSize
	buf := make([]byte, totalSize)

	binary.NativeEndian.PutUint32(buf[0:4], uint32(totalSize))
	binary.NativeEndian.PutUint16(buf[4:6], unix.NLMSG_DONE)
	binary.NativeEndian.PutUint16(buf[6:8], 0)
	binary.NativeEndian.PutUint32(buf[8:12], 0)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(os.Getpid()))

	off := nlMsgHdrSize
	binary.NativeEndian.PutUint32(buf[off+0:off+4], cnIdxProc)
	binary.NativeEndian.PutUint32(buf[off+4:off+8], cnValProc)
	binary.NativeEndian.PutUint32(buf[off+8:off+12], 0)
	binary.NativeEndian.PutUint32(buf[off+12:off+16], 0)
	binary.NativeEndian.PutUint16(buf[off+16:off+18], opSize)
	binary.NativeEndian.PutUint16(buf[off+18:off+20], 0)

	off += cnMsgSize
	binary.NativeEndian.PutUint32(buf[off:off+4], op)

	dst := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: 0}
	return unix.Sendto(sock, buf, 0, dst)
}
