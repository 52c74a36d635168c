// Package scheduler implements the single-threaded cooperative readiness
// loop (C6): one poll call over the inner interface, the outer transport,
// and (when ROHC is enabled) the feedback socket, dispatching to the bundle
// assembler, the bundle parser, or the Blast tracker depending on which
// endpoint woke the loop and which flavor is configured.
//
// There is exactly one Loop per process. It is the sole owner of Context
// and of every socket it polls; nothing here is safe to call from a second
// goroutine (see SPEC_FULL.md §5 for why this deliberately does not reuse
// the teacher's goroutine-per-session model).
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/simplemux/simplemux/internal/blast"
	"github.com/simplemux/simplemux/internal/bundle"
	"github.com/simplemux/simplemux/internal/metrics"
	"github.com/simplemux/simplemux/internal/muxcodec"
	"github.com/simplemux/simplemux/internal/muxcontext"
	"github.com/simplemux/simplemux/internal/netio"
	"github.com/simplemux/simplemux/internal/rohc"
)

// pollTimeoutCeiling bounds how long a single unix.Poll call may block, so
// the loop periodically re-evaluates its computed wait even if nothing ever
// becomes ready (defensive against a miscomputed or stale deadline).
const pollTimeoutCeiling = 30 * time.Second

// Loop is the scheduler described in §4.6.
type Loop struct {
	ctx    *muxcontext.Context
	logger *slog.Logger

	inner    netio.Link
	outer    netio.Link
	feedback netio.Link // nil unless ctx.ROHC != muxcontext.ROHCOff

	asm     *bundle.Assembler // nil in Blast flavor
	tracker *blast.Tracker    // nil outside Blast flavor
	rohcEng rohc.Engine

	collector    *metrics.Collector // nil if metrics are disabled
	prevCounters muxcontext.Counters
}

// New constructs a Loop. feedback may be nil when ctx.ROHC is off.
// collector may be nil when metrics are disabled.
func New(ctx *muxcontext.Context, inner, outer, feedback netio.Link, collector *metrics.Collector, logger *slog.Logger) *Loop {
	l := &Loop{
		ctx:       ctx,
		logger:    logger,
		inner:     inner,
		outer:     outer,
		feedback:  feedback,
		rohcEng:   rohc.ForMode(ctx.ROHC),
		collector: collector,
	}
	if ctx.Flavor == muxcontext.FlavorBlast {
		l.tracker = blast.NewTracker(ctx)
	} else {
		l.asm = bundle.NewAssembler(ctx)
	}
	return l
}

// Run executes the scheduler loop until an unrecoverable error occurs.
// Process termination (not a cancellation signal) is how this loop is
// meant to stop, per §5; Run returns only on a fatal I/O or framing error.
func (l *Loop) Run() error {
	for {
		wait := l.computeWait()
		ready, err := l.waitReady(wait)
		if err != nil {
			return err
		}

		acted := false

		if ready.outer {
			acted = true
			if err := l.handleOuterReadable(); err != nil {
				return fmt.Errorf("handle outer readable: %w", err)
			}
		}
		if ready.feedback {
			acted = true
			if err := l.handleFeedbackReadable(); err != nil {
				return fmt.Errorf("handle feedback readable: %w", err)
			}
		}
		if ready.inner {
			acted = true
			if err := l.handleInnerReadable(); err != nil {
				return fmt.Errorf("handle inner readable: %w", err)
			}
		}
		if !acted {
			if err := l.handleTimeout(); err != nil {
				return fmt.Errorf("handle timeout: %w", err)
			}
		}

		l.syncMetrics()
	}
}

// computeWait implements §4.6 step 1.
func (l *Loop) computeWait() time.Duration {
	if l.ctx.Flavor == muxcontext.FlavorBlast {
		wake := l.tracker.NextWake(l.ctx.Policy.Period)
		d := time.Until(wake)
		if d < 0 {
			return 0
		}
		return d
	}

	period := l.ctx.Policy.Period
	if period <= 0 {
		return 0
	}
	if l.ctx.LastSentAt.IsZero() {
		return period
	}
	elapsed := time.Since(l.ctx.LastSentAt)
	if elapsed >= period {
		return 0
	}
	return period - elapsed
}

// readiness reports which polled endpoints had data available.
type readiness struct {
	outer    bool
	feedback bool
	inner    bool
}

// waitReady polls the inner interface, outer transport, and (if present)
// feedback socket fds with the given timeout, retrying transparently across
// EINTR the way the corpus's own poll wrapper does.
func (l *Loop) waitReady(timeout time.Duration) (readiness, error) {
	if timeout > pollTimeoutCeiling {
		timeout = pollTimeoutCeiling
	}

	innerFd, err := l.inner.Fd()
	if err != nil {
		return readiness{}, fmt.Errorf("inner fd: %w", err)
	}
	outerFd, err := l.outer.Fd()
	if err != nil {
		return readiness{}, fmt.Errorf("outer fd: %w", err)
	}

	fds := []unix.PollFd{
		{Fd: int32(innerFd), Events: unix.POLLIN},
		{Fd: int32(outerFd), Events: unix.POLLIN},
	}
	feedbackIdx := -1
	if l.feedback != nil {
		fbFd, err := l.feedback.Fd()
		if err != nil {
			return readiness{}, fmt.Errorf("feedback fd: %w", err)
		}
		feedbackIdx = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(fbFd), Events: unix.POLLIN})
	}

	timeoutMs := int(timeout.Milliseconds())
	for {
		_, err := unix.Poll(fds, timeoutMs)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return readiness{}, fmt.Errorf("poll: %w", err)
		}
		break
	}

	out := readiness{
		inner: fds[0].Revents&unix.POLLIN != 0,
		outer: fds[1].Revents&unix.POLLIN != 0,
	}
	if feedbackIdx >= 0 {
		out.feedback = fds[feedbackIdx].Revents&unix.POLLIN != 0
	}
	return out, nil
}

// handleOuterReadable implements §4.6 step 3. A single POLLIN event on a
// TCP link can mean several complete packets arrived in one kernel read,
// already drained into the link's internal buffer (internal/netio's
// TCPLink.feed): Recv only returns one of them, so this keeps calling Recv
// and dispatching while the link reports more already-buffered packets
// pending (Pending), stopping before any call would block on a new
// read — Network/UDP/raw links always report no backlog and so run this
// loop exactly once, matching one Recv per POLLIN event as before.
func (l *Loop) handleOuterReadable() error {
	for {
		data, err := l.outer.Recv()
		if err != nil {
			return err
		}
		if data != nil {
			if l.ctx.Flavor == muxcontext.FlavorBlast {
				if err := l.handleBlastBundle(data); err != nil {
					return err
				}
			} else if err := l.handleMultiplexedBundle(data); err != nil {
				return err
			}
		}

		if !l.outer.Pending() {
			return nil
		}
	}
}

func (l *Loop) handleBlastBundle(data []byte) error {
	hdr, err := muxcodec.UnmarshalBlastHeader(data)
	if err != nil {
		l.logger.Warn("dropping malformed blast packet", slog.String("error", err.Error()))
		l.ctx.Counters.PacketsDropped++
		return nil
	}
	payload := data[muxcodec.BlastHeaderSize:]
	if len(payload) < hdr.PayloadLen {
		l.logger.Warn("dropping truncated blast packet")
		l.ctx.Counters.PacketsDropped++
		return nil
	}
	payload = payload[:hdr.PayloadLen]

	l.ctx.Counters.BundlesReceived++
	deliver, ack := l.tracker.HandleReceived(time.Now(), hdr, payload)
	if ack != nil {
		if err := l.outer.Send(ack); err != nil {
			return fmt.Errorf("send blast ack: %w", err)
		}
	}
	if deliver != nil {
		l.ctx.Counters.PacketsReceived++
		if err := l.inner.Send(deliver); err != nil {
			return fmt.Errorf("deliver blast payload: %w", err)
		}
	}
	return nil
}

func (l *Loop) handleMultiplexedBundle(data []byte) error {
	pkts, err := bundle.Parse(l.ctx.Flavor, data)
	if err != nil {
		l.logger.Warn("dropping malformed bundle", slog.String("error", err.Error()))
		l.ctx.Counters.PacketsDropped++
		return nil
	}

	l.ctx.Counters.BundlesReceived++
	for _, pkt := range pkts {
		ip := pkt.Payload
		if pkt.Protocol == muxcodec.ProtoROHC {
			decompressed, rcvdFeedback, sendFeedback, status := l.rohcEng.Decompress(pkt.Payload)
			if rcvdFeedback != nil {
				l.rohcEng.Feed(rcvdFeedback)
			}
			if sendFeedback != nil && l.feedback != nil {
				if err := l.feedback.Send(sendFeedback); err != nil {
					return fmt.Errorf("send rohc feedback: %w", err)
				}
			}
			switch status {
			case rohc.StatusError:
				l.ctx.Counters.PacketsDropped++
				continue
			case rohc.StatusFeedbackOnly:
				continue
			}
			ip = decompressed
		}

		l.ctx.Counters.PacketsReceived++
		if err := l.inner.Send(ip); err != nil {
			return fmt.Errorf("deliver inner packet: %w", err)
		}
	}
	return nil
}

// handleFeedbackReadable implements §4.6 step 4.
func (l *Loop) handleFeedbackReadable() error {
	data, err := l.feedback.Recv()
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	if l.ctx.ROHC == muxcontext.ROHCOff {
		// No compressor is consuming this channel; forward verbatim.
		return l.inner.Send(data)
	}
	l.rohcEng.Feed(data)
	return nil
}

// handleInnerReadable implements §4.6 step 5.
func (l *Loop) handleInnerReadable() error {
	raw, err := l.inner.Recv()
	if err != nil {
		return err
	}

	protocol := l.innerProtocol()
	payload := raw

	if l.ctx.ROHC != muxcontext.ROHCOff {
		compressed, status := l.rohcEng.Compress(raw)
		switch status {
		case rohc.StatusError:
			l.ctx.Counters.PacketsDropped++
			return nil
		case rohc.StatusFeedbackOnly:
			return nil
		}
		protocol = muxcodec.ProtoROHC
		payload = compressed
	}

	if l.ctx.Flavor == muxcontext.FlavorBlast {
		wire := l.tracker.Send(time.Now(), protocol, payload)
		return l.outer.Send(wire)
	}

	outcome, out, err := l.asm.Accept(protocol, payload)
	if err != nil {
		if errors.Is(err, bundle.ErrOversizedPacket) {
			l.logger.Warn("dropping oversized inner packet", slog.String("error", err.Error()))
			return nil
		}
		return fmt.Errorf("assembler accept: %w", err)
	}
	if outcome == bundle.Flushed || outcome == bundle.FlushedThenStored {
		if len(out) > 0 {
			if err := l.outer.Send(out); err != nil {
				return fmt.Errorf("send bundle: %w", err)
			}
		}
	}
	return nil
}

// innerProtocol returns the Protocol ID for a freshly read inner packet
// before any ROHC compression is applied.
func (l *Loop) innerProtocol() uint8 {
	if l.ctx.Tunnel == muxcontext.TunnelTap {
		return muxcodec.ProtoEthernet
	}
	return muxcodec.ProtoIPIP
}

// handleTimeout implements §4.6 step 6.
func (l *Loop) handleTimeout() error {
	now := time.Now()

	if l.ctx.Flavor == muxcontext.FlavorBlast {
		for _, wire := range l.tracker.ResendDue(now, l.ctx.Policy.Period) {
			if err := l.outer.Send(wire); err != nil {
				return fmt.Errorf("send blast resend: %w", err)
			}
		}
		if hb, due := l.tracker.HeartbeatDue(now); due {
			if err := l.outer.Send(hb); err != nil {
				return fmt.Errorf("send blast heartbeat: %w", err)
			}
		}
		return nil
	}

	out, err := l.asm.Tick(now)
	if err != nil {
		return fmt.Errorf("assembler tick: %w", err)
	}
	if len(out) > 0 {
		if err := l.outer.Send(out); err != nil {
			return fmt.Errorf("send timed-out bundle: %w", err)
		}
	}
	return nil
}

// syncMetrics pushes the counters accumulated since the last iteration into
// the Prometheus collector, if one was wired in.
func (l *Loop) syncMetrics() {
	if l.collector == nil {
		return
	}
	cur := l.ctx.Counters
	unconfirmed := 0
	if l.tracker != nil {
		unconfirmed = l.tracker.Unconfirmed()
	}
	l.collector.Sync(
		cur.BundlesSent-l.prevCounters.BundlesSent,
		cur.BundlesReceived-l.prevCounters.BundlesReceived,
		cur.PacketsSent-l.prevCounters.PacketsSent,
		cur.PacketsReceived-l.prevCounters.PacketsReceived,
		cur.PacketsDropped-l.prevCounters.PacketsDropped,
		cur.BlastResends-l.prevCounters.BlastResends,
		cur.BlastDuplicates-l.prevCounters.BlastDuplicates,
		cur.BlastAcksSent-l.prevCounters.BlastAcksSent,
		cur.BlastAcksReceived-l.prevCounters.BlastAcksReceived,
		unconfirmed,
	)
	l.prevCounters = cur
}
