package netio

import (
	"fmt"

	"github.com/songgao/water"

	"github.com/simplemux/simplemux/internal/muxcontext"
)

// TunLink wraps the tun/tap inner interface as a Link, so the scheduler can
// poll it alongside the outer transport. tun/tap delivers whole L3 packets
// (TunnelTun) or L2 frames (TunnelTap) per read, and accepts the same on
// write, per the external collaborator contract in SPEC_FULL.md §6.
type TunLink struct {
	iface *water.Interface
}

// OpenTun creates (or attaches to, if it already exists) the named tun/tap
// device using github.com/songgao/water.
func OpenTun(name string, mode muxcontext.TunnelMode) (*TunLink, error) {
	devType := water.TUN
	if mode == muxcontext.TunnelTap {
		devType = water.TAP
	}

	cfg := water.Config{DeviceType: devType}
	cfg.Name = name

	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open tun/tap %q: %w", name, err)
	}
	return &TunLink{iface: iface}, nil
}

// Fd implements Link.
func (t *TunLink) Fd() (int, error) {
	type fder interface{ Fd() uintptr }
	f, ok := any(t.iface.ReadWriteCloser).(fder)
	if !ok {
		return -1, fmt.Errorf("tun/tap handle: %w", ErrUnexpectedConnType)
	}
	return int(f.Fd()), nil
}

// Recv implements Link: reads one inner packet/frame.
func (t *TunLink) Recv() ([]byte, error) {
	buf := make([]byte, muxcontext.BufSize)
	n, err := t.iface.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("tun/tap recv: %w", err)
	}
	return buf[:n], nil
}

// Pending implements Link: a tun/tap read is always one packet per syscall.
func (t *TunLink) Pending() bool { return false }

// Send implements Link: writes one inner packet/frame.
func (t *TunLink) Send(payload []byte) error {
	if _, err := t.iface.Write(payload); err != nil {
		return fmt.Errorf("tun/tap send: %w", err)
	}
	return nil
}

// Close implements Link.
func (t *TunLink) Close() error {
	if err := t.iface.Close(); err != nil {
		return fmt.Errorf("close tun/tap: %w", err)
	}
	return nil
}
