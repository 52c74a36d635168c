// Package rohc provides the external-collaborator contract for ROHC header
// compression described in SPEC_FULL.md §6. The real ROHC algorithm (RFC
// 3095 and successors) is out of scope for this repository — no ROHC
// library appears anywhere in the reference corpus — so this package is a
// deliberately simplified stand-in: a passthrough that satisfies the same
// call shape a real compressor/decompressor would, so the rest of the
// datapath (internal/bundle, internal/scheduler) can be built and tested
// against a real interface rather than left with a hole.
package rohc

import "github.com/simplemux/simplemux/internal/muxcontext"

// Status reports the outcome of a compress or decompress call.
type Status int

const (
	// StatusOK means the operation produced output to forward.
	StatusOK Status = iota
	// StatusFeedbackOnly means the call consumed or produced only
	// feedback, with no packet to forward on the main path.
	StatusFeedbackOnly
	// StatusError means the operation failed and the packet should be
	// dropped and counted.
	StatusError
)

// Engine is the contract a ROHC implementation must satisfy. Passthrough
// implements it as a no-op; a real implementation would additionally
// maintain per-flow compression contexts keyed by the inner packet's
// IP/port 5-tuple.
type Engine interface {
	// Compress transforms an inner IP packet into its ROHC-compressed
	// form for transmission.
	Compress(ip []byte) (rohc []byte, status Status)

	// Decompress transforms a received ROHC packet back into an inner IP
	// packet. rcvdFeedback is any feedback embedded in the packet, to be
	// routed back to this node's local compressor; sendFeedback is any
	// feedback this decompressor needs to have delivered to the peer's
	// compressor (via the feedback channel, §6).
	Decompress(rohc []byte) (ip []byte, rcvdFeedback, sendFeedback []byte, status Status)

	// Feed delivers feedback data to the local compressor side: either
	// rcvdFeedback surfaced by Decompress, or bytes read directly off the
	// feedback socket. It has no return value because feedback never
	// produces a packet to forward on its own.
	Feed(feedback []byte)
}

// Passthrough implements Engine as an identity transform: it exists so
// internal/scheduler always has a real Engine to call regardless of
// whether ROHC is enabled, keeping the ROHCOff case (muxcontext.ROHCOff)
// indistinguishable in code from "ROHC enabled but doing nothing yet."
type Passthrough struct{}

// NewPassthrough constructs a Passthrough engine.
func NewPassthrough() *Passthrough { return &Passthrough{} }

// Compress implements Engine.
func (Passthrough) Compress(ip []byte) ([]byte, Status) {
	return ip, StatusOK
}

// Decompress implements Engine.
func (Passthrough) Decompress(rohc []byte) (ip, rcvdFeedback, sendFeedback []byte, status Status) {
	return rohc, nil, nil, StatusOK
}

// Feed implements Engine as a no-op: a passthrough has no compression
// context for feedback to update.
func (Passthrough) Feed(feedback []byte) {}

// ForMode selects the Engine to use for the given ROHC mode. Off and the
// two real ROHC modes all resolve to Passthrough today; the branch exists
// so a future real engine has an obvious seam to plug into per mode.
func ForMode(mode muxcontext.ROHCMode) Engine {
	switch mode {
	case muxcontext.ROHCOff, muxcontext.ROHCUnidirectional, muxcontext.ROHCBidirectionalOptimistic:
		return NewPassthrough()
	default:
		return NewPassthrough()
	}
}
