// Package muxcontext defines the Simplemux Context: the single struct that
// owns every piece of mutable state touched by the scheduler loop. There is
// exactly one Context per running process, constructed once from validated
// CLI flags and mutated only on the scheduler goroutine.
package muxcontext

import (
	"errors"
	"fmt"
	"time"
)

// Mode identifies the outer transport.
type Mode int

const (
	ModeNetwork Mode = iota
	ModeUDP
	ModeTCPClient
	ModeTCPServer
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeNetwork:
		return "network"
	case ModeUDP:
		return "udp"
	case ModeTCPClient:
		return "tcpclient"
	case ModeTCPServer:
		return "tcpserver"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// TunnelMode identifies whether the inner interface delivers L3 packets or
// L2 frames.
type TunnelMode int

const (
	TunnelTun TunnelMode = iota // L3, IP-in-IP
	TunnelTap                   // L2, Ethernet-in-IP
)

// Flavor identifies the wire dialect used for outgoing bundles.
type Flavor int

const (
	FlavorNormal Flavor = iota
	FlavorFast
	FlavorBlast
)

// String implements fmt.Stringer.
func (f Flavor) String() string {
	switch f {
	case FlavorNormal:
		return "normal"
	case FlavorFast:
		return "fast"
	case FlavorBlast:
		return "blast"
	default:
		return fmt.Sprintf("Flavor(%d)", int(f))
	}
}

// ROHCMode identifies the ROHC operating mode negotiated with the peer.
type ROHCMode int

const (
	ROHCOff ROHCMode = iota
	ROHCUnidirectional
	ROHCBidirectionalOptimistic
)

// Buffer and list-size limits shared across the datapath, taken verbatim
// from the reference implementation's constants.
const (
	// BufSize is the maximum size, in bytes, of a single inner packet read
	// from the tun/tap interface.
	BufSize = 2304

	// MaxPkts is the maximum number of inner packets a single Normal/Fast
	// bundle may hold.
	MaxPkts = 100

	// SizeProtocolField is the width, in bytes, of the Protocol field that
	// accompanies a Normal/Fast separator.
	SizeProtocolField = 1

	// IPv4HeaderSize is the outer IPv4 header size assumed for sizeMax
	// bookkeeping in Network mode.
	IPv4HeaderSize = 20

	// UDPHeaderSize is the outer UDP header size assumed for sizeMax
	// bookkeeping in UDP mode.
	UDPHeaderSize = 8

	// TCPHeaderSize is the outer TCP header size assumed for sizeMax
	// bookkeeping in TCP modes. The reference implementation documents
	// observing 32-byte TCP headers in practice (options included) and
	// budgets for the worst case rather than the bare 20-byte minimum.
	TCPHeaderSize = 32

	// HeartbeatPeriod is the interval between Blast heartbeats.
	HeartbeatPeriod = time.Second

	// HeartbeatDeadline is the maximum time since the last received
	// heartbeat before a Blast sender gives up retaining an unconfirmed
	// packet for resend.
	HeartbeatDeadline = 5 * time.Second

	// BlastDedupWindow is the minimum time between successive deliveries
	// of the same Blast identifier to the inner interface.
	BlastDedupWindow = 5 * time.Second

	// MaxTimeout is the largest accepted value for the timeout trigger.
	MaxTimeout = 100 * time.Second
)

// Outer UDP/TCP port numbers, one per flavor, plus the ROHC feedback port.
// The CLI's -p flag defaults to PortNormal whatever the flavor; PortFast and
// PortBlast are not selected automatically.
const (
	PortNormal   = 55555
	PortFeedback = 55556
	PortFast     = 55557
	PortBlast    = 55558
)

var (
	// ErrIncompatibleOptions indicates two CLI options were selected that
	// the reference implementation forbids together (e.g. -b with -r, or a
	// tcp mode without -f).
	ErrIncompatibleOptions = errors.New("incompatible options")

	// ErrInvalidOption indicates an option value is out of range or
	// otherwise invalid standing alone.
	ErrInvalidOption = errors.New("invalid option")
)

// Policy holds the triggering and sizing parameters that govern the bundle
// assembler (internal/bundle) and, where applicable, the Blast tracker
// (internal/blast).
type Policy struct {
	LimitNumPackets int           // count trigger; 0 means "unset"
	SizeThreshold   int           // size trigger in bytes; 0 means "unset"
	Timeout         time.Duration // time-since-last-flush trigger; 0 means "unset"
	Period          time.Duration // maximum scheduler idle interval
	SelectedMTU     int           // path MTU budget for the outer datagram
}

// sizeMax returns the largest inner-bundle payload size the outer transport
// can carry without exceeding SelectedMTU, after subtracting the assumed
// outer header for mode.
func (p Policy) sizeMax(mode Mode) int {
	overhead := IPv4HeaderSize
	switch mode {
	case ModeUDP:
		overhead += UDPHeaderSize
	case ModeTCPClient, ModeTCPServer:
		overhead += TCPHeaderSize
	}
	max := p.SelectedMTU - overhead
	if max < 0 {
		return 0
	}
	return max
}

// Normalize applies the defaulting and clamping rules from the external
// interface: if no trigger is set, every packet is flushed immediately; if
// at least one is set, unset count limits default to MaxPkts and an
// oversized size threshold is clamped to sizeMax.
func (p *Policy) Normalize(mode Mode) {
	sizeMax := p.sizeMax(mode)

	anySet := p.LimitNumPackets > 0 || p.SizeThreshold > 0 || p.Timeout > 0
	if !anySet {
		p.LimitNumPackets = 1
		return
	}
	if p.LimitNumPackets <= 0 {
		p.LimitNumPackets = MaxPkts
	}
	if p.SizeThreshold <= 0 || p.SizeThreshold > sizeMax {
		p.SizeThreshold = sizeMax
	}
}

// Counters accumulates lifetime statistics surfaced in logs and metrics.
// It is owned exclusively by the scheduler goroutine, so no synchronization
// is needed.
type Counters struct {
	BundlesSent       uint64
	BundlesReceived   uint64
	PacketsSent       uint64
	PacketsReceived   uint64
	PacketsDropped    uint64
	BlastResends      uint64
	BlastDuplicates   uint64
	BlastAcksSent     uint64
	BlastAcksReceived uint64
}

// Context is the single owner of all datapath state. It is constructed
// once from validated CLI flags and is never shared across goroutines.
type Context struct {
	Mode       Mode
	Tunnel     TunnelMode
	Flavor     Flavor
	ROHC       ROHCMode
	InnerIface string
	OuterIface string
	PeerAddr   string
	Port       int

	Policy Policy

	Counters Counters

	// LastSentAt is updated by the bundle assembler on every flush and
	// read by the scheduler to compute the period-timer deadline.
	LastSentAt time.Time
}

// SizeMax is the exported form of sizeMax, used by internal/bundle to
// reject a single packet that cannot fit in one bundle.
func (c *Context) SizeMax() int {
	return c.Policy.sizeMax(c.Mode)
}

// Validate checks the option-compatibility constraints from the external
// interface (§6): tcpserver/tcpclient require Fast; Blast forbids ROHC,
// size/timeout/count triggers, and Fast.
func (c *Context) Validate() error {
	if (c.Mode == ModeTCPClient || c.Mode == ModeTCPServer) && c.Flavor != FlavorFast {
		return fmt.Errorf("tcp modes require fast flavor: %w", ErrIncompatibleOptions)
	}
	if c.Flavor == FlavorBlast {
		if c.ROHC != ROHCOff {
			return fmt.Errorf("blast flavor forbids rohc: %w", ErrIncompatibleOptions)
		}
		if c.Policy.SizeThreshold > 0 || c.Policy.Timeout > 0 || c.Policy.LimitNumPackets > 0 {
			return fmt.Errorf("blast flavor forbids size/timeout/count triggers: %w", ErrIncompatibleOptions)
		}
		if c.Policy.Period <= 0 {
			return fmt.Errorf("blast flavor requires a period: %w", ErrInvalidOption)
		}
	}
	if c.Policy.Period <= 0 && c.Flavor != FlavorBlast {
		return fmt.Errorf("period must be positive: %w", ErrInvalidOption)
	}
	if c.Policy.Timeout > MaxTimeout {
		return fmt.Errorf("timeout %s exceeds maximum %s: %w", c.Policy.Timeout, MaxTimeout, ErrInvalidOption)
	}
	return nil
}
