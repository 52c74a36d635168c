package netio

import (
	"fmt"
	"net"
	"sync"

	"github.com/simplemux/simplemux/internal/muxcodec"
	"github.com/simplemux/simplemux/internal/muxcontext"
)

// -------------------------------------------------------------------------
// TCPLink — TCP client and TCP server modes (Fast flavor only)
// -------------------------------------------------------------------------

// TCPLink implements Link over a single TCP connection, applying the
// resumable byte-oriented reader described in §4.5: a read may return a
// partial separator or a partial payload, and the reader must remember how
// far into the current packet it has progressed across calls.
type TCPLink struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool

	inbuf []byte   // bytes read but not yet resolved into complete packets
	ready [][]byte // complete, fully-framed packets extracted from inbuf, FIFO
}

// newTCPLinkFromConn wraps an already-established net.Conn (either side of
// a Dial or an Accept) and applies TCP_NODELAY / best-effort TCP_QUICKACK.
func newTCPLinkFromConn(conn net.Conn) (*TCPLink, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			return nil, fmt.Errorf("set TCP_NODELAY: %w", err)
		}
		setQuickAck(tc)
	}
	return &TCPLink{conn: conn}, nil
}

// DialTCP opens a TCP client connection to peer:port (TCP client mode).
func DialTCP(peer string, port int) (*TCPLink, error) {
	conn, err := net.Dial("tcp4", fmt.Sprintf("%s:%d", peer, port))
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s:%d: %w", peer, port, err)
	}
	return newTCPLinkFromConn(conn)
}

// TCPServerLink implements Link for TCP server mode: it listens, accepts
// exactly one client, and thereafter behaves exactly like TCPLink. Accept
// is called only once: the listener stays open until Close, so a later
// client's connection is left in the kernel's accept queue and is neither
// accepted nor actively refused. Per the reference implementation's
// one-shot accept behavior the listener does not resume accepting after the
// first client disconnects (see DESIGN.md, Open Question: TCP server
// reconnection).
type TCPServerLink struct {
	listener net.Listener

	mu     sync.Mutex
	active *TCPLink
}

// ListenTCP opens a TCP listening socket on port (TCP server mode). The
// first call to Recv or Send performs the blocking Accept.
func ListenTCP(port int) (*TCPServerLink, error) {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen tcp :%d: %w", port, err)
	}
	return &TCPServerLink{listener: ln}, nil
}

// Fd implements Link. Before the first client is accepted, this returns the
// listening socket's descriptor so the scheduler can poll for a pending
// connection.
func (s *TCPServerLink) Fd() (int, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		return active.Fd()
	}
	tl, ok := s.listener.(*net.TCPListener)
	if !ok {
		return -1, fmt.Errorf("tcp listener: %w", ErrUnexpectedConnType)
	}
	raw, err := tl.SyscallConn()
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

// acceptIfNeeded performs the one-shot Accept the first time it is called.
func (s *TCPServerLink) acceptIfNeeded() (*TCPLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return s.active, nil
	}
	conn, err := s.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept tcp client: %w", err)
	}
	link, err := newTCPLinkFromConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.active = link
	return link, nil
}

// Recv implements Link.
func (s *TCPServerLink) Recv() ([]byte, error) {
	link, err := s.acceptIfNeeded()
	if err != nil {
		return nil, err
	}
	return link.Recv()
}

// Send implements Link.
func (s *TCPServerLink) Send(bundle []byte) error {
	link, err := s.acceptIfNeeded()
	if err != nil {
		return err
	}
	return link.Send(bundle)
}

// Pending implements Link, delegating to the active connection once
// accepted; before that there is nothing buffered.
func (s *TCPServerLink) Pending() bool {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return false
	}
	return active.Pending()
}

// Close implements Link.
func (s *TCPServerLink) Close() error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		_ = active.Close()
	}
	if err := s.listener.Close(); err != nil {
		return fmt.Errorf("close tcp listener: %w", err)
	}
	return nil
}

// Fd implements Link.
func (t *TCPLink) Fd() (int, error) {
	tc, ok := t.conn.(*net.TCPConn)
	if !ok {
		return -1, fmt.Errorf("tcp conn: %w", ErrUnexpectedConnType)
	}
	raw, err := tc.SyscallConn()
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

// maxResumablePayload bounds how large a declared Fast payload length may
// be before the reader concludes the stream has lost framing synchronization
// (a corrupted separator can otherwise claim an arbitrarily large length and
// stall the reader waiting for bytes that will never complete the packet).
const maxResumablePayload = muxcontext.BufSize

// Recv implements Link's resumable reader: it issues at most one underlying
// Read per call when no fully-reassembled packet is already queued, then
// extracts as many complete packets as the buffered bytes allow. A read
// that lands mid-separator or mid-payload simply grows the internal buffer;
// the next call resumes from where this one left off.
func (t *TCPLink) Recv() ([]byte, error) {
	if len(t.ready) > 0 {
		out := t.ready[0]
		t.ready = t.ready[1:]
		return out, nil
	}

	scratch := make([]byte, 4096)
	n, err := t.conn.Read(scratch)
	if err != nil {
		return nil, fmt.Errorf("tcp recv: %w", err)
	}
	if err := t.feed(scratch[:n]); err != nil {
		return nil, err
	}

	if len(t.ready) == 0 {
		return nil, nil
	}
	out := t.ready[0]
	t.ready = t.ready[1:]
	return out, nil
}

// feed appends chunk to the internal buffer and extracts every complete
// Fast packet now available, queuing them in arrival order. It is split out
// from Recv for direct unit testing against arbitrary chunk boundaries.
func (t *TCPLink) feed(chunk []byte) error {
	t.inbuf = append(t.inbuf, chunk...)

	pos := 0
	for len(t.inbuf)-pos >= muxcodec.FastHeaderSize {
		sep, err := muxcodec.DecodeFast(t.inbuf[pos:])
		if err != nil {
			return fmt.Errorf("tcp resumable separator: %w", err)
		}
		if sep.Length > maxResumablePayload {
			return fmt.Errorf("tcp recv: declared length %d exceeds %d: %w",
				sep.Length, maxResumablePayload, ErrTCPDesync)
		}
		packetLen := muxcodec.FastHeaderSize + sep.Length
		if len(t.inbuf)-pos < packetLen {
			break // payload not fully arrived yet
		}
		framed := make([]byte, packetLen)
		copy(framed, t.inbuf[pos:pos+packetLen])
		t.ready = append(t.ready, framed)
		pos += packetLen
	}

	t.inbuf = append([]byte{}, t.inbuf[pos:]...)
	return nil
}

// Pending implements Link: true when a prior read already reassembled more
// than one complete packet, so the next Recv can return one without a new
// blocking read.
func (t *TCPLink) Pending() bool {
	return len(t.ready) > 0
}

// Send implements Link: writes the Fast-framed packet bytes as-is (the
// caller is responsible for having framed them with muxcodec.EncodeFast).
func (t *TCPLink) Send(framedPacket []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return wrapClosed("tcp send")
	}
	t.mu.Unlock()

	// blocking send; a slow TCP peer stalls the scheduler loop
	if _, err := t.conn.Write(framedPacket); err != nil {
		return fmt.Errorf("tcp send: %w", err)
	}
	return nil
}

// Close implements Link.
func (t *TCPLink) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("close tcp link: %w", err)
	}
	return nil
}
