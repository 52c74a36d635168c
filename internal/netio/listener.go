package netio

import (
	"fmt"
	"net"
	"sync"
)

// -------------------------------------------------------------------------
// UDPLink — UDP mode
// -------------------------------------------------------------------------

// UDPLink implements Link over a single UDP socket. Local and remote port
// are equal, as the external interface requires. Datagrams arriving on the
// bound local port are accepted from any source address and port. Recv does
// not report the source, so a datagram from a foreign source port is handed
// to the scheduler and parsed as a bundle like any other; it is not passed
// through verbatim to the inner interface.
type UDPLink struct {
	conn *net.UDPConn
	peer *net.UDPAddr

	mu     sync.Mutex
	closed bool
}

// NewUDPLink opens a UDP socket bound to localPort and configured to send
// to peer:peerPort.
func NewUDPLink(localPort int, peer string, peerPort int) (*UDPLink, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", localPort, err)
	}

	peerAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", peer, peerPort))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("resolve peer %s:%d: %w", peer, peerPort, err)
	}

	return &UDPLink{conn: conn, peer: peerAddr}, nil
}

// Fd implements Link.
func (u *UDPLink) Fd() (int, error) {
	raw, err := u.conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("raw conn: %w", err)
	}
	var fd int
	err = raw.Control(func(f uintptr) { fd = int(f) })
	if err != nil {
		return -1, fmt.Errorf("control: %w", err)
	}
	return fd, nil
}

// Recv implements Link: reads one datagram, regardless of its source port
// (see the note on UDPLink above).
func (u *UDPLink) Recv() ([]byte, error) {
	buf := make([]byte, 65535)
	n, _, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, fmt.Errorf("udp recv: %w", err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// Send implements Link.
func (u *UDPLink) Send(bundle []byte) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return wrapClosed("udp send")
	}
	u.mu.Unlock()

	if _, err := u.conn.WriteToUDP(bundle, u.peer); err != nil {
		return fmt.Errorf("udp send to %s: %w", u.peer, err)
	}
	return nil
}

// Pending implements Link: each Recv is one blocking read of one datagram.
func (u *UDPLink) Pending() bool { return false }

// Close implements Link.
func (u *UDPLink) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	if err := u.conn.Close(); err != nil {
		return fmt.Errorf("close udp link: %w", err)
	}
	return nil
}
