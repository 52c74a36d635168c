// Package blast implements the Blast flavor's reliability machinery: the
// unconfirmed-packet list with resend scheduling, heartbeat send/receive,
// ACK matching, and receive-side duplicate suppression (§4.4).
package blast

import (
	"container/heap"
	"time"

	"github.com/simplemux/simplemux/internal/muxcodec"
	"github.com/simplemux/simplemux/internal/muxcontext"
)

// outbound is one packet awaiting acknowledgement.
type outbound struct {
	identifier uint16
	protocol   uint8
	payload    []byte
	sentAt     time.Time
	heapIndex  int
}

// resendHeap orders outbound entries by sentAt ascending, so the earliest
// deadline is always at index 0. Grounded on the same "earliest deadline
// first" shape a reliable-delivery retransmission queue needs regardless of
// protocol (see DESIGN.md for the cross-corpus grounding).
type resendHeap []*outbound

func (h resendHeap) Len() int            { return len(h) }
func (h resendHeap) Less(i, j int) bool  { return h[i].sentAt.Before(h[j].sentAt) }
func (h resendHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *resendHeap) Push(x any) {
	o := x.(*outbound)
	o.heapIndex = len(*h)
	*h = append(*h, o)
}

func (h *resendHeap) Pop() any {
	old := *h
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	o.heapIndex = -1
	*h = old[:n-1]
	return o
}

// Tracker implements the send- and receive-side Blast state machine. It is
// owned exclusively by the scheduler goroutine.
type Tracker struct {
	ctx *muxcontext.Context

	nextID uint16 // free-running counter; see DESIGN.md Open Question

	unconfirmed map[uint16]*outbound
	order       resendHeap

	lastHeartbeatSent     time.Time
	lastHeartbeatReceived time.Time

	// delivered maps identifier to the last time a NeedsAck packet with
	// that identifier was delivered to the inner interface. Sized to the
	// full 16-bit space and initialized to the zero Time, exactly as
	// DeliveryTimestamps in the data model.
	delivered [1 << 16]time.Time
}

// NewTracker constructs a Tracker bound to ctx's policy and counters.
func NewTracker(ctx *muxcontext.Context) *Tracker {
	return &Tracker{
		ctx:         ctx,
		unconfirmed: make(map[uint16]*outbound),
	}
}

// Send constructs a NeedsAck Blast packet for payload, registers it for
// resend (subject to heartbeat liveness), and returns the wire bytes to
// transmit immediately.
func (t *Tracker) Send(now time.Time, protocol uint8, payload []byte) []byte {
	id := t.nextID
	t.nextID++

	wire := t.encode(muxcodec.AckNeedsAck, id, protocol, payload)

	if now.Sub(t.lastHeartbeatReceived) > muxcontext.HeartbeatDeadline {
		// Delivery is hopeless: transmit once, but do not retain for resend.
		return wire
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)
	o := &outbound{identifier: id, protocol: protocol, payload: stored, sentAt: now}
	t.unconfirmed[id] = o
	heap.Push(&t.order, o)

	return wire
}

// ResendDue takes every entry whose resend deadline (sentAt + period) has
// been reached, refreshes its sentAt (the entry stays in the list), and returns their wire bytes in deadline
// order.
func (t *Tracker) ResendDue(now time.Time, period time.Duration) [][]byte {
	var out [][]byte
	for t.order.Len() > 0 {
		next := t.order[0]
		if now.Sub(next.sentAt) < period {
			break
		}
		next.sentAt = now
		heap.Fix(&t.order, 0)
		out = append(out, t.encode(muxcodec.AckNeedsAck, next.identifier, next.protocol, next.payload))
		t.ctx.Counters.BlastResends++
	}
	return out
}

// HeartbeatDue reports whether a heartbeat should be sent now, and if so
// returns its wire bytes and updates lastHeartbeatSent.
func (t *Tracker) HeartbeatDue(now time.Time) ([]byte, bool) {
	if !t.lastHeartbeatSent.IsZero() && now.Sub(t.lastHeartbeatSent) < muxcontext.HeartbeatPeriod {
		return nil, false
	}
	t.lastHeartbeatSent = now
	return t.encode(muxcodec.AckHeartbeat, 0, 0, nil), true
}

// NextWake returns the earliest time at which ResendDue or HeartbeatDue
// should next be consulted, per §4.4's "next-wake computation."
func (t *Tracker) NextWake(period time.Duration) time.Time {
	heartbeatWake := t.lastHeartbeatSent.Add(muxcontext.HeartbeatPeriod)
	if t.order.Len() == 0 {
		return heartbeatWake
	}
	resendWake := t.order[0].sentAt.Add(period)
	if resendWake.Before(heartbeatWake) {
		return resendWake
	}
	return heartbeatWake
}

// HandleReceived processes one received Blast packet. For NeedsAck packets
// it returns the payload to deliver to the inner interface (nil if
// suppressed as a duplicate) along with the ACK to transmit. For IsAck and
// Heartbeat packets it returns (nil, nil) — the state mutation is its only
// effect.
func (t *Tracker) HandleReceived(now time.Time, hdr muxcodec.BlastHeader, payload []byte) (deliver, ack []byte) {
	switch hdr.Ack {
	case muxcodec.AckIsAck:
		if o, ok := t.unconfirmed[hdr.Identifier]; ok {
			delete(t.unconfirmed, hdr.Identifier)
			if o.heapIndex >= 0 {
				heap.Remove(&t.order, o.heapIndex)
			}
			t.ctx.Counters.BlastAcksReceived++
		}
		return nil, nil

	case muxcodec.AckHeartbeat:
		t.lastHeartbeatReceived = now
		return nil, nil

	default: // AckNeedsAck
		last := t.delivered[hdr.Identifier]
		suppress := !last.IsZero() && now.Sub(last) < muxcontext.BlastDedupWindow

		ackWire := t.encode(muxcodec.AckIsAck, hdr.Identifier, 0, nil)
		t.ctx.Counters.BlastAcksSent++

		if suppress {
			t.ctx.Counters.BlastDuplicates++
			return nil, ackWire
		}
		t.delivered[hdr.Identifier] = now
		deliver = make([]byte, len(payload))
		copy(deliver, payload)
		return deliver, ackWire
	}
}

func (t *Tracker) encode(flag muxcodec.AckFlag, id uint16, protocol uint8, payload []byte) []byte {
	out := make([]byte, muxcodec.BlastHeaderSize+len(payload))
	_, _ = muxcodec.MarshalBlastHeader(muxcodec.BlastHeader{
		PayloadLen: len(payload),
		Protocol:   protocol,
		Identifier: id,
		Ack:        flag,
	}, out)
	copy(out[muxcodec.BlastHeaderSize:], payload)
	return out
}

// Unconfirmed reports how many packets currently await acknowledgement.
func (t *Tracker) Unconfirmed() int {
	return len(t.unconfirmed)
}
