package scheduler

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplemux/simplemux/internal/muxcodec"
	"github.com/simplemux/simplemux/internal/muxcontext"
)

// fakeLink is an in-memory netio.Link for exercising the scheduler's
// handlers directly, without a real socket. Fd is backed by a real pipe fd
// only so the type satisfies Link's contract; the unit tests below call the
// handle* methods directly rather than going through waitReady/unix.Poll.
type fakeLink struct {
	mu    sync.Mutex
	fd    int
	recvQ [][]byte
	sent  [][]byte
}

func newFakeLink(t *testing.T) *fakeLink {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(); _ = w.Close() })
	return &fakeLink{fd: int(r.Fd())}
}

func (f *fakeLink) Fd() (int, error) { return f.fd, nil }

func (f *fakeLink) Recv() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recvQ) == 0 {
		return nil, nil
	}
	out := f.recvQ[0]
	f.recvQ = f.recvQ[1:]
	return out, nil
}

func (f *fakeLink) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeLink) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recvQ) > 0
}

func (f *fakeLink) Close() error { return nil }

func (f *fakeLink) queue(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recvQ = append(f.recvQ, b)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func newTestLoop(t *testing.T, flavor muxcontext.Flavor, policy muxcontext.Policy) (*Loop, *fakeLink, *fakeLink) {
	t.Helper()
	policy.Normalize(muxcontext.ModeNetwork)
	ctx := &muxcontext.Context{
		Mode:   muxcontext.ModeNetwork,
		Tunnel: muxcontext.TunnelTun,
		Flavor: flavor,
		Policy: policy,
	}
	inner := newFakeLink(t)
	outer := newFakeLink(t)
	return New(ctx, inner, outer, nil, nil, discardLogger()), inner, outer
}

func TestComputeWaitNormalFlavorNoLastSent(t *testing.T) {
	l, _, _ := newTestLoop(t, muxcontext.FlavorNormal, muxcontext.Policy{SelectedMTU: 1500, Period: 200 * time.Millisecond})
	assert.Equal(t, 200*time.Millisecond, l.computeWait())
}

func TestComputeWaitNormalFlavorElapsed(t *testing.T) {
	l, _, _ := newTestLoop(t, muxcontext.FlavorNormal, muxcontext.Policy{SelectedMTU: 1500, Period: 50 * time.Millisecond})
	l.ctx.LastSentAt = time.Now().Add(-time.Second)
	assert.Equal(t, time.Duration(0), l.computeWait())
}

func TestHandleInnerReadableFlushesOnCountTrigger(t *testing.T) {
	l, inner, outer := newTestLoop(t, muxcontext.FlavorNormal, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 1})
	inner.queue([]byte{1, 2, 3, 4})

	require.NoError(t, l.handleInnerReadable())

	require.Len(t, outer.sent, 1)
	assert.Equal(t, uint64(1), l.ctx.Counters.BundlesSent)
	assert.Equal(t, uint64(1), l.ctx.Counters.PacketsSent)
}

func TestHandleInnerReadableStoresWithoutFlushing(t *testing.T) {
	l, inner, outer := newTestLoop(t, muxcontext.FlavorNormal, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 5})
	inner.queue([]byte{9, 9})

	require.NoError(t, l.handleInnerReadable())

	assert.Empty(t, outer.sent)
	assert.Equal(t, 1, l.asm.Pending())
}

func TestHandleTimeoutFlushesPendingBundle(t *testing.T) {
	l, inner, outer := newTestLoop(t, muxcontext.FlavorNormal, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 5, Period: time.Hour})
	inner.queue([]byte{1})
	require.NoError(t, l.handleInnerReadable())
	require.Empty(t, outer.sent, "one packet under the count trigger should not flush on Accept")

	require.NoError(t, l.handleTimeout())
	require.Len(t, outer.sent, 1)
}

func TestHandleOuterReadableDeliversFastBundle(t *testing.T) {
	l, inner, outer := newTestLoop(t, muxcontext.FlavorFast, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 1})
	inner.queue([]byte{5, 6, 7})
	require.NoError(t, l.handleInnerReadable())
	require.Len(t, outer.sent, 1)

	outer.queue(outer.sent[0])
	require.NoError(t, l.handleOuterReadable())

	require.Len(t, inner.sent, 1)
	assert.Equal(t, []byte{5, 6, 7}, inner.sent[0])
	assert.Equal(t, uint64(1), l.ctx.Counters.BundlesReceived)
	assert.Equal(t, uint64(1), l.ctx.Counters.PacketsReceived)
}

// TestHandleOuterReadableDrainsAllBufferedTCPPackets covers the case where a
// single TCP read reassembles more than one complete packet: Pending must
// keep handleOuterReadable dispatching all of them in one call, rather than
// leaving the tail stuck until more bytes arrive on the wire.
func TestHandleOuterReadableDrainsAllBufferedTCPPackets(t *testing.T) {
	l, inner, outer := newTestLoop(t, muxcontext.FlavorFast, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 1})

	inner.queue([]byte{1, 1, 1})
	require.NoError(t, l.handleInnerReadable())
	inner.queue([]byte{2, 2, 2})
	require.NoError(t, l.handleInnerReadable())
	require.Len(t, outer.sent, 2)

	// Both bundles arrive queued up, as if one kernel read reassembled both.
	outer.queue(outer.sent[0])
	outer.queue(outer.sent[1])

	require.NoError(t, l.handleOuterReadable())

	require.Len(t, inner.sent, 2)
	assert.Equal(t, []byte{1, 1, 1}, inner.sent[0])
	assert.Equal(t, []byte{2, 2, 2}, inner.sent[1])
	assert.Equal(t, uint64(2), l.ctx.Counters.BundlesReceived)
	assert.Equal(t, uint64(2), l.ctx.Counters.PacketsReceived)
}

func TestHandleOuterReadableDropsMalformedBundle(t *testing.T) {
	l, _, outer := newTestLoop(t, muxcontext.FlavorFast, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 1})
	outer.queue([]byte{0xFF, 0xFF, 0xFF, 0x01}) // declares a payload far longer than what follows

	require.NoError(t, l.handleOuterReadable())
	assert.Equal(t, uint64(1), l.ctx.Counters.PacketsDropped)
}

func TestBlastInnerReadableSendsAndTracksUnconfirmed(t *testing.T) {
	l, inner, outer := newTestLoop(t, muxcontext.FlavorBlast, muxcontext.Policy{SelectedMTU: 1500, Period: time.Hour})
	// A heartbeat must have been received recently, or Send treats delivery
	// as hopeless and never retains the packet for resend.
	l.tracker.HandleReceived(time.Now(), muxcodec.BlastHeader{Ack: muxcodec.AckHeartbeat}, nil)
	inner.queue([]byte{1, 2, 3})

	require.NoError(t, l.handleInnerReadable())

	require.Len(t, outer.sent, 1)
	assert.Equal(t, 1, l.tracker.Unconfirmed())
}

func TestBlastOuterReadableDeliversAndAcks(t *testing.T) {
	l, inner, outer := newTestLoop(t, muxcontext.FlavorBlast, muxcontext.Policy{SelectedMTU: 1500, Period: time.Hour})

	wire := make([]byte, muxcodec.BlastHeaderSize+3)
	_, err := muxcodec.MarshalBlastHeader(muxcodec.BlastHeader{
		PayloadLen: 3,
		Protocol:   muxcodec.ProtoIPIP,
		Identifier: 7,
		Ack:        muxcodec.AckNeedsAck,
	}, wire)
	require.NoError(t, err)
	copy(wire[muxcodec.BlastHeaderSize:], []byte{1, 2, 3})

	outer.queue(wire)
	require.NoError(t, l.handleOuterReadable())

	require.Len(t, inner.sent, 1)
	assert.Equal(t, []byte{1, 2, 3}, inner.sent[0])
	require.Len(t, outer.sent, 1, "a NeedsAck packet must provoke exactly one ack")
}

func TestSyncMetricsNoopWithoutCollector(t *testing.T) {
	l, inner, _ := newTestLoop(t, muxcontext.FlavorNormal, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 1})
	inner.queue([]byte{1})
	require.NoError(t, l.handleInnerReadable())
	assert.NotPanics(t, l.syncMetrics)
}
