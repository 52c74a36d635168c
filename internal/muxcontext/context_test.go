package muxcontext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyNormalizeNoTriggersDefaultsToImmediate(t *testing.T) {
	p := Policy{SelectedMTU: 1500}
	p.Normalize(ModeNetwork)
	assert.Equal(t, 1, p.LimitNumPackets)
}

func TestPolicyNormalizeClampsSizeThreshold(t *testing.T) {
	p := Policy{SelectedMTU: 1500, SizeThreshold: 100000, Timeout: time.Second}
	p.Normalize(ModeUDP)
	assert.Equal(t, p.sizeMax(ModeUDP), p.SizeThreshold)
	assert.Equal(t, MaxPkts, p.LimitNumPackets)
}

func TestContextValidateTCPRequiresFast(t *testing.T) {
	c := &Context{Mode: ModeTCPServer, Flavor: FlavorNormal, Policy: Policy{Period: time.Second}}
	require.ErrorIs(t, c.Validate(), ErrIncompatibleOptions)
}

func TestContextValidateBlastForbidsROHC(t *testing.T) {
	c := &Context{Mode: ModeUDP, Flavor: FlavorBlast, ROHC: ROHCUnidirectional, Policy: Policy{Period: time.Second}}
	require.ErrorIs(t, c.Validate(), ErrIncompatibleOptions)
}

func TestContextValidateOK(t *testing.T) {
	c := &Context{Mode: ModeUDP, Flavor: FlavorNormal, Policy: Policy{Period: time.Second}}
	require.NoError(t, c.Validate())
}

func TestSizeMaxOverheadByMode(t *testing.T) {
	p := Policy{SelectedMTU: 1500}
	assert.Equal(t, 1500-IPv4HeaderSize, p.sizeMax(ModeNetwork))
	assert.Equal(t, 1500-IPv4HeaderSize-UDPHeaderSize, p.sizeMax(ModeUDP))
	assert.Equal(t, 1500-IPv4HeaderSize-TCPHeaderSize, p.sizeMax(ModeTCPClient))
}
