//go:build linux

package netio

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// RawLink — Network mode (raw IPv4, protocol 253/254/252)
// -------------------------------------------------------------------------

// RawLink implements Link over a raw IPv4 socket (IP_HDRINCL-style access
// via net.IPConn), constructing and stripping the 20-byte outer IPv4 header
// itself rather than relying on kernel-provided ancillary data — the outer
// header's protocol number is how the peer's kernel hands the datagram to
// this process at all, since 253/254/252 are not protocols the kernel
// otherwise demultiplexes.
type RawLink struct {
	conn     *net.IPConn
	peer     net.IP
	protocol byte

	mu       sync.Mutex
	closed   bool
	identSeq uint16
}

// NewRawLink opens a raw IPv4 socket bound to localIface (if non-empty) for
// sending to peer with the given IP protocol number (one of
// muxcodec.ProtoSimplemux{,Fast,Blast}).
func NewRawLink(localIface string, peer string, protocol byte) (*RawLink, error) {
	peerIP := net.ParseIP(peer)
	if peerIP == nil {
		return nil, fmt.Errorf("parse peer address %q: %w", peer, ErrUnexpectedConnType)
	}

	conn, err := net.ListenIP("ip4:"+protoName(protocol), &net.IPAddr{})
	if err != nil {
		return nil, fmt.Errorf("open raw ip socket (protocol %d): %w", protocol, err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("raw conn for ip socket: %w", err)
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = setRawSockOpts(int(fd), localIface)
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("control raw ip socket: %w", err)
	}
	if sockErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("configure raw ip socket: %w", sockErr)
	}

	return &RawLink{conn: conn, peer: peerIP, protocol: protocol}, nil
}

func protoName(protocol byte) string {
	// net.Dial-style network strings accept a numeric IP protocol after
	// "ip4:" in place of a registered name (e.g. "ip4:253").
	return fmt.Sprintf("%d", protocol)
}

func setRawSockOpts(fd int, ifName string) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if ifName != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName); err != nil {
			return fmt.Errorf("set SO_BINDTODEVICE(%s): %w", ifName, err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, 64); err != nil {
		return fmt.Errorf("set IP_TTL: %w", err)
	}
	// Without IP_HDRINCL the kernel builds its own IPv4 header on every
	// send, and buildIPv4Header's hand-built header ends up as extra bytes
	// in front of the payload instead of the wire header.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		return fmt.Errorf("set IP_HDRINCL: %w", err)
	}
	return nil
}

// Fd implements Link.
func (l *RawLink) Fd() (int, error) {
	raw, err := l.conn.SyscallConn()
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

// Recv implements Link: reads one datagram and returns the bundle payload.
// For an ip4 socket, net.IPConn already removes the IPv4 header before
// ReadFromIP returns, so the bytes read are the payload.
func (l *RawLink) Recv() ([]byte, error) {
	buf := make([]byte, 65535)
	n, _, err := l.conn.ReadFromIP(buf)
	if err != nil {
		return nil, fmt.Errorf("raw recv: %w", err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// Pending implements Link: each Recv is one blocking read of one datagram.
func (l *RawLink) Pending() bool { return false }

// Send implements Link: prepends a 20-byte IPv4 header and writes the
// resulting datagram.
func (l *RawLink) Send(bundle []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return wrapClosed("raw send")
	}
	ident := l.identSeq
	l.identSeq++
	l.mu.Unlock()

	pkt := make([]byte, ipv4HeaderLen+len(bundle))
	buildIPv4Header(pkt[:ipv4HeaderLen], l.protocol, ident, len(bundle), l.peer)
	copy(pkt[ipv4HeaderLen:], bundle)

	if _, err := l.conn.WriteToIP(pkt, &net.IPAddr{IP: l.peer}); err != nil {
		return fmt.Errorf("raw send to %s: %w", l.peer, err)
	}
	return nil
}

// Close implements Link.
func (l *RawLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close raw link: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Manual IPv4 header construction
// -------------------------------------------------------------------------

const ipv4HeaderLen = 20

// buildIPv4Header writes a minimal 20-byte IPv4 header (no options) into
// dst. TTL is fixed at 64 (Linux default). The checksum covers the header
// only, per the reference implementation.
func buildIPv4Header(dst []byte, protocol byte, ident uint16, payloadLen int, dstIP net.IP) {
	dst[0] = 0x45 // version 4, IHL 5 (20 bytes, no options)
	dst[1] = 0    // DSCP/ECN
	binary.BigEndian.PutUint16(dst[2:4], uint16(ipv4HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(dst[4:6], ident)
	binary.BigEndian.PutUint16(dst[6:8], 0) // flags/fragment offset: none
	dst[8] = 64                             // TTL
	dst[9] = protocol
	dst[10], dst[11] = 0, 0 // checksum, computed below
	copy(dst[12:16], net.IPv4zero.To4())
	copy(dst[16:20], dstIP.To4())

	binary.BigEndian.PutUint16(dst[10:12], ipv4Checksum(dst))
}

func ipv4Checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	if len(header)%2 == 1 {
		sum += uint32(header[len(header)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}
