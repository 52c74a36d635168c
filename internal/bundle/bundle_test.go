package bundle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplemux/simplemux/internal/muxcodec"
	"github.com/simplemux/simplemux/internal/muxcontext"
)

func newTestContext(flavor muxcontext.Flavor, policy muxcontext.Policy) *muxcontext.Context {
	policy.Normalize(muxcontext.ModeNetwork)
	return &muxcontext.Context{
		Mode:   muxcontext.ModeNetwork,
		Flavor: flavor,
		Policy: policy,
	}
}

func TestNormalRoundtripSingleProtocol(t *testing.T) {
	ctx := newTestContext(muxcontext.FlavorNormal, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 2})
	a := NewAssembler(ctx)

	p1 := []byte{1, 2, 3, 4}
	p2 := []byte{5, 6, 7}

	outcome, _, err := a.Accept(muxcodec.ProtoIPIP, p1)
	require.NoError(t, err)
	assert.Equal(t, Stored, outcome)

	outcome, bundleBytes, err := a.Accept(muxcodec.ProtoIPIP, p2)
	require.NoError(t, err)
	assert.Equal(t, Flushed, outcome)
	require.NotNil(t, bundleBytes)

	packets, err := Parse(muxcontext.FlavorNormal, bundleBytes)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, p1, packets[0].Payload)
	assert.Equal(t, muxcodec.ProtoIPIP, packets[0].Protocol)
	assert.Equal(t, p2, packets[1].Payload)
	assert.Equal(t, muxcodec.ProtoIPIP, packets[1].Protocol)
}

func TestNormalRoundtripMixedProtocol(t *testing.T) {
	ctx := newTestContext(muxcontext.FlavorNormal, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 2})
	a := NewAssembler(ctx)

	p1 := []byte{9, 9}
	p2 := []byte{1}

	_, _, err := a.Accept(muxcodec.ProtoIPIP, p1)
	require.NoError(t, err)
	_, bundleBytes, err := a.Accept(muxcodec.ProtoEthernet, p2)
	require.NoError(t, err)

	packets, err := Parse(muxcontext.FlavorNormal, bundleBytes)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, muxcodec.ProtoIPIP, packets[0].Protocol)
	assert.Equal(t, muxcodec.ProtoEthernet, packets[1].Protocol)
}

func TestFastRoundtrip(t *testing.T) {
	ctx := newTestContext(muxcontext.FlavorFast, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 3})
	a := NewAssembler(ctx)

	for i := 0; i < 2; i++ {
		_, _, err := a.Accept(muxcodec.ProtoIPIP, []byte{byte(i), byte(i + 1)})
		require.NoError(t, err)
	}
	bundleBytes, err := a.Tick(time.Now())
	require.NoError(t, err)
	require.NotNil(t, bundleBytes)

	packets, err := Parse(muxcontext.FlavorFast, bundleBytes)
	require.NoError(t, err)
	require.Len(t, packets, 2)
}

func TestCountTriggerIncludesArrivingPacket(t *testing.T) {
	ctx := newTestContext(muxcontext.FlavorFast, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 1})
	a := NewAssembler(ctx)

	outcome, bundleBytes, err := a.Accept(muxcodec.ProtoIPIP, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, Flushed, outcome)
	assert.NotNil(t, bundleBytes)
}

func TestPeriodTickDoesNotIncludeUnarrivedPacket(t *testing.T) {
	ctx := newTestContext(muxcontext.FlavorFast, muxcontext.Policy{SelectedMTU: 1500, LimitNumPackets: 10})
	a := NewAssembler(ctx)

	_, _, err := a.Accept(muxcodec.ProtoIPIP, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Pending())

	bundleBytes, err := a.Tick(time.Now())
	require.NoError(t, err)
	assert.NotNil(t, bundleBytes)
	assert.Equal(t, 0, a.Pending())
}

func TestOversizedPacketRejected(t *testing.T) {
	ctx := newTestContext(muxcontext.FlavorFast, muxcontext.Policy{SelectedMTU: 100, LimitNumPackets: 10})
	a := NewAssembler(ctx)

	outcome, _, err := a.Accept(muxcodec.ProtoIPIP, make([]byte, 200))
	require.ErrorIs(t, err, ErrOversizedPacket)
	assert.Equal(t, Rejected, outcome)
	assert.EqualValues(t, 1, ctx.Counters.PacketsDropped)
}

func TestParseBundleMalformed(t *testing.T) {
	_, err := Parse(muxcontext.FlavorFast, []byte{0, 0xFF, muxcodec.ProtoIPIP})
	require.ErrorIs(t, err, ErrBundleMalformed)
}
