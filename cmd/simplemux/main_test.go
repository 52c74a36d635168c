package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplemux/simplemux/internal/muxcontext"
)

func TestFlavorFromFlagsRejectsBlastAndFastTogether(t *testing.T) {
	o := &options{blast: true, fast: true}
	_, err := flavorFromFlags(o)
	require.ErrorIs(t, err, muxcontext.ErrInvalidOption)
}

func TestFlavorFromFlagsDefaultsToNormal(t *testing.T) {
	flavor, err := flavorFromFlags(&options{})
	require.NoError(t, err)
	assert.Equal(t, muxcontext.FlavorNormal, flavor)
}

func TestFlavorFromFlagsHonorsBlast(t *testing.T) {
	flavor, err := flavorFromFlags(&options{blast: true})
	require.NoError(t, err)
	assert.Equal(t, muxcontext.FlavorBlast, flavor)
}

func TestFlavorFromFlagsHonorsFast(t *testing.T) {
	flavor, err := flavorFromFlags(&options{fast: true})
	require.NoError(t, err)
	assert.Equal(t, muxcontext.FlavorFast, flavor)
}

func TestBuildContextRejectsTCPModeWithoutFast(t *testing.T) {
	o := &options{mode: "tcpclient", tunnel: "tun", peer: "10.0.0.1", periodUs: 1000}
	_, err := buildContext(o)
	require.ErrorIs(t, err, muxcontext.ErrIncompatibleOptions)
}

func TestBuildContextRejectsBlastAndFastTogether(t *testing.T) {
	o := &options{mode: "udp", tunnel: "tun", peer: "10.0.0.1", blast: true, fast: true, periodUs: 1000}
	_, err := buildContext(o)
	require.ErrorIs(t, err, muxcontext.ErrInvalidOption)
}

func TestBuildContextAcceptsTCPClientWithFast(t *testing.T) {
	o := &options{mode: "tcpclient", tunnel: "tun", peer: "10.0.0.1", fast: true, periodUs: 1000}
	ctx, err := buildContext(o)
	require.NoError(t, err)
	assert.Equal(t, muxcontext.FlavorFast, ctx.Flavor)
}
