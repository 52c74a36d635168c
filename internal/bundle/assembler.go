// Package bundle implements the Normal/Fast bundle assembler (accumulate
// inner packets, decide when to flush) and the bundle parser (demultiplex a
// received bundle back into inner packets).
package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/simplemux/simplemux/internal/muxcodec"
	"github.com/simplemux/simplemux/internal/muxcontext"
)

// ErrOversizedPacket indicates a single inner packet, plus its separator and
// the outer header, would exceed the negotiated MTU on its own; it is
// dropped rather than ever stored.
var ErrOversizedPacket = errors.New("inner packet exceeds mtu budget")

// Outcome describes what Accept did with an arriving packet.
type Outcome int

const (
	// Stored means the packet was appended to the pending bundle; no
	// flush occurred.
	Stored Outcome = iota
	// FlushedThenStored means the packet triggered a flush of the bundle
	// that existed before it arrived, and the packet itself was placed in
	// the (now freshly emptied) bundle as its first member.
	FlushedThenStored
	// Flushed means the packet was appended and its arrival immediately
	// triggered a flush including it.
	Flushed
	// Rejected means the packet was dropped without being stored.
	Rejected
)

type pendingPacket struct {
	protocol uint8
	payload  []byte
}

// Assembler accumulates inner packets for the Normal or Fast flavor and
// decides, per §4.2, when to flush them into one outer bundle.
type Assembler struct {
	ctx    *muxcontext.Context
	flavor muxcontext.Flavor

	pkts      []pendingPacket
	bundleLen int // running total of separator+protocol+payload bytes
}

// NewAssembler constructs an Assembler bound to ctx's policy.
func NewAssembler(ctx *muxcontext.Context) *Assembler {
	return &Assembler{ctx: ctx, flavor: ctx.Flavor}
}

// Pending reports how many packets are currently buffered.
func (a *Assembler) Pending() int {
	return len(a.pkts)
}

// perPacketOverhead returns the separator+protocol bytes a single packet of
// the given length would add, not counting the shared-protocol optimization
// that can only be resolved at flush time.
func (a *Assembler) perPacketOverhead(length int) int {
	if a.flavor == muxcontext.FlavorFast {
		return muxcodec.FastHeaderSize
	}
	// Estimated from the non-first separator widths plus one protocol
	// byte; the first separator's narrower one-byte range is not taken into
	// account, and flush does not re-check the bundle size.
	switch {
	case length <= 127:
		return 1 + muxcontext.SizeProtocolField
	case length <= 1<<14-1:
		return 2 + muxcontext.SizeProtocolField
	default:
		return 3 + muxcontext.SizeProtocolField
	}
}

// Accept offers one inner packet to the assembler. protocol is the inner
// packet's Protocol ID (muxcodec.ProtoIPIP, ProtoEthernet, ...); payload is
// copied into the assembler's own buffer.
func (a *Assembler) Accept(protocol uint8, payload []byte) (Outcome, []byte, error) {
	sizeMax := a.ctx.SizeMax()
	overhead := a.perPacketOverhead(len(payload))
	if len(payload)+overhead > sizeMax {
		a.ctx.Counters.PacketsDropped++
		return Rejected, nil, fmt.Errorf("packet of %d bytes (overhead %d) vs budget %d: %w",
			len(payload), overhead, sizeMax, ErrOversizedPacket)
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)
	a.pkts = append(a.pkts, pendingPacket{protocol: protocol, payload: stored})
	a.bundleLen += overhead + len(payload)

	if a.shouldFlush() {
		out, err := a.flush()
		return Flushed, out, err
	}
	return Stored, nil, nil
}

// Tick is driven by the scheduler on the period timer. If a bundle is
// waiting, it is flushed regardless of whether any per-packet trigger would
// have fired.
func (a *Assembler) Tick(now time.Time) ([]byte, error) {
	if len(a.pkts) == 0 {
		return nil, nil
	}
	return a.flush()
}

func (a *Assembler) shouldFlush() bool {
	p := a.ctx.Policy
	if p.LimitNumPackets > 0 && len(a.pkts) >= p.LimitNumPackets {
		return true
	}
	if p.SizeThreshold > 0 && a.bundleLen >= p.SizeThreshold {
		return true
	}
	if p.Timeout > 0 && !a.ctx.LastSentAt.IsZero() && time.Since(a.ctx.LastSentAt) >= p.Timeout {
		return true
	}
	return false
}

// flush serializes the pending packets into one bundle per §4.2.1/4.2.2 and
// resets assembler state.
func (a *Assembler) flush() ([]byte, error) {
	if len(a.pkts) == 0 {
		return nil, nil
	}

	var out bytes.Buffer
	singleProtocol := a.flavor == muxcontext.FlavorNormal && allSameProtocol(a.pkts)

	sepBuf := make([]byte, 3)
	for i, pkt := range a.pkts {
		switch a.flavor {
		case muxcontext.FlavorFast:
			n, err := muxcodec.EncodeFast(sepBuf, len(pkt.payload), pkt.protocol)
			if err != nil {
				return nil, fmt.Errorf("flush fast separator %d: %w", i, err)
			}
			out.Write(sepBuf[:n])
		default: // Normal
			var n int
			var err error
			if i == 0 {
				n, err = muxcodec.EncodeNormalFirst(sepBuf, len(pkt.payload), singleProtocol)
			} else {
				n, err = muxcodec.EncodeNormalNonFirst(sepBuf, len(pkt.payload))
			}
			if err != nil {
				return nil, fmt.Errorf("flush normal separator %d: %w", i, err)
			}
			out.Write(sepBuf[:n])

			writeProto := i == 0 || !singleProtocol
			if writeProto {
				out.WriteByte(pkt.protocol)
			}
		}
		out.Write(pkt.payload)
	}

	a.ctx.Counters.BundlesSent++
	a.ctx.Counters.PacketsSent += uint64(len(a.pkts))
	a.ctx.LastSentAt = time.Now()
	a.pkts = a.pkts[:0]
	a.bundleLen = 0

	return out.Bytes(), nil
}

func allSameProtocol(pkts []pendingPacket) bool {
	if len(pkts) == 0 {
		return false
	}
	first := pkts[0].protocol
	for _, p := range pkts[1:] {
		if p.protocol != first {
			return false
		}
	}
	return true
}
