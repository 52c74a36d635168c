// Package metrics exposes the counters of component C9 (SPEC_FULL.md §2) as Prometheus
// metrics. Unlike the teacher's per-peer label vectors, simplemux has
// exactly one outer peer per process (SPEC_FULL.md §5: one Context, one
// peer, one loop), so these are plain Counters/Gauges rather than *Vecs —
// there is no second label dimension to carry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "simplemux"
	subsystem = "mux"
)

// Collector holds all simplemux Prometheus metrics, mirroring the fields of
// muxcontext.Counters one-for-one so the scheduler can update both in
// lockstep.
type Collector struct {
	// BundlesSent counts outer bundles transmitted on the outer transport.
	BundlesSent prometheus.Counter

	// BundlesReceived counts outer bundles received and demultiplexed.
	BundlesReceived prometheus.Counter

	// PacketsSent counts inner packets/frames multiplexed into a bundle.
	PacketsSent prometheus.Counter

	// PacketsReceived counts inner packets/frames recovered from a bundle.
	PacketsReceived prometheus.Counter

	// PacketsDropped counts inner packets dropped (oversized, malformed
	// bundle or Blast packet, ROHC failure). Blast duplicates are counted
	// by BlastDuplicates only.
	PacketsDropped prometheus.Counter

	// BlastResends counts Blast-flavor retransmissions due to a missing ACK.
	BlastResends prometheus.Counter

	// BlastDuplicates counts Blast-flavor packets suppressed by the
	// duplicate-delivery window.
	BlastDuplicates prometheus.Counter

	// BlastAcksSent counts Blast ACKs transmitted (heartbeats not included).
	BlastAcksSent prometheus.Counter

	// BlastAcksReceived counts Blast ACKs received from the peer.
	BlastAcksReceived prometheus.Counter

	// Unconfirmed tracks the current size of the Blast tracker's
	// unconfirmed-packet set, sampled on each scheduler tick.
	Unconfirmed prometheus.Gauge
}

// NewCollector creates a Collector with all simplemux metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.BundlesSent,
		c.BundlesReceived,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.BlastResends,
		c.BlastDuplicates,
		c.BlastAcksSent,
		c.BlastAcksReceived,
		c.Unconfirmed,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		BundlesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bundles_sent_total",
			Help:      "Total outer bundles transmitted on the outer transport.",
		}),

		BundlesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bundles_received_total",
			Help:      "Total outer bundles received and demultiplexed.",
		}),

		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total inner packets/frames multiplexed into a bundle.",
		}),

		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total inner packets/frames recovered from a bundle.",
		}),

		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total inner packets dropped (oversized, malformed bundle or Blast packet, ROHC failure).",
		}),

		BlastResends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blast_resends_total",
			Help:      "Total Blast-flavor retransmissions due to a missing ACK.",
		}),

		BlastDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blast_duplicates_total",
			Help:      "Total Blast-flavor packets suppressed by the duplicate-delivery window.",
		}),

		BlastAcksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blast_acks_sent_total",
			Help:      "Total Blast ACKs transmitted (heartbeats not included).",
		}),

		BlastAcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blast_acks_received_total",
			Help:      "Total Blast ACKs received from the peer.",
		}),

		Unconfirmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blast_unconfirmed",
			Help:      "Current size of the Blast tracker's unconfirmed-packet set.",
		}),
	}
}

// Sync adds the deltas observed since the previous sample to the
// corresponding Prometheus counters and sets the unconfirmed gauge to its
// current absolute value.
func (c *Collector) Sync(deltaBundlesSent, deltaBundlesReceived,
	deltaPacketsSent, deltaPacketsReceived, deltaPacketsDropped,
	deltaBlastResends, deltaBlastDuplicates,
	deltaBlastAcksSent, deltaBlastAcksReceived uint64, unconfirmed int) {
	c.BundlesSent.Add(float64(deltaBundlesSent))
	c.BundlesReceived.Add(float64(deltaBundlesReceived))
	c.PacketsSent.Add(float64(deltaPacketsSent))
	c.PacketsReceived.Add(float64(deltaPacketsReceived))
	c.PacketsDropped.Add(float64(deltaPacketsDropped))
	c.BlastResends.Add(float64(deltaBlastResends))
	c.BlastDuplicates.Add(float64(deltaBlastDuplicates))
	c.BlastAcksSent.Add(float64(deltaBlastAcksSent))
	c.BlastAcksReceived.Add(float64(deltaBlastAcksReceived))
	c.Unconfirmed.Set(float64(unconfirmed))
}
