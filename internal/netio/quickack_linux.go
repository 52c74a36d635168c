//go:build linux

package netio

import (
	"net"

	"golang.org/x/sys/unix"
)

// setQuickAck enables TCP_QUICKACK (non-delayed ACKs), best-effort: a
// failure here is not fatal to the link, since quick-ack is a latency
// optimization rather than a correctness requirement.
func setQuickAck(tc *net.TCPConn) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	})
}
