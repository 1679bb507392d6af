// Package metrics implements the Metrics/observability component (spec.md
// §2): round counters, block sizes and instance runtimes for the
// consensus core, plus the per-block wall-clock timer supplemented from
// original_source/src/consensus/metrics.hpp (SPEC_FULL.md §6). Grounded
// on the teacher's metrics/metrics.go per-concern registry pattern
// (PrivateMetrics/GroupMetrics/...), narrowed to one dedicated registry
// rather than the global default (SPEC_FULL.md §3).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the dedicated prometheus.Registry every consensus metric in
// this package is registered on, never the global default registry
// (mirrors the teacher's PrivateMetrics/GroupMetrics/ClientMetrics split:
// this module's equivalent concern is "consensus core", so it gets one
// registry of its own).
var Registry = prometheus.NewRegistry()

var (
	// BCRounds is the number of rounds a binary consensus instance took to
	// decide (spec.md §3's BC Instance `rounds_number` metrics field).
	BCRounds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dbft",
		Subsystem: "bc",
		Name:      "rounds_total",
		Help:      "Number of rounds a binary consensus instance took to decide.",
		Buckets:   []float64{1, 2, 3, 4, 5, 8, 13, 21, 34},
	})

	// BCDecisionSeconds is the wall-clock duration from bin_propose to
	// decision for one binary consensus instance.
	BCDecisionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dbft",
		Subsystem: "bc",
		Name:      "decision_seconds",
		Help:      "Wall-clock duration from bin_propose to decision.",
		Buckets:   prometheus.DefBuckets,
	})

	// RBDeliverySeconds is the wall-clock duration from Broadcast to
	// upward delivery for one reliable-broadcast instance.
	RBDeliverySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dbft",
		Subsystem: "rb",
		Name:      "delivery_seconds",
		Help:      "Wall-clock duration from broadcast to delivery.",
		Buckets:   prometheus.DefBuckets,
	})

	// DBFTBlockSize is the number of transactions in a finished block.
	DBFTBlockSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dbft",
		Subsystem: "dbft",
		Name:      "block_size",
		Help:      "Number of transactions in a produced block.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	// DBFTBlockDurationSeconds is the per-block wall-clock duration from
	// the first proposal to Consensus, supplemented from
	// original_source/src/consensus/metrics.hpp's per-block timing.
	DBFTBlockDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dbft",
		Subsystem: "dbft",
		Name:      "block_duration_seconds",
		Help:      "Wall-clock duration of one DBFT block's lifecycle.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	Registry.MustRegister(BCRounds, BCDecisionSeconds, RBDeliverySeconds, DBFTBlockSize, DBFTBlockDurationSeconds)
}

// BlockTimer measures one DBFT instance's lifecycle end to end, feeding
// DBFTBlockDurationSeconds on Stop. Supplemented from
// original_source/src/simulation's per-run timing (SPEC_FULL.md §6).
type BlockTimer struct {
	start time.Time
}

// NewBlockTimer starts timing a block's lifecycle.
func NewBlockTimer() *BlockTimer {
	return &BlockTimer{start: time.Now()}
}

// Stop records the elapsed duration into DBFTBlockDurationSeconds.
func (t *BlockTimer) Stop() time.Duration {
	d := time.Since(t.start)
	DBFTBlockDurationSeconds.Observe(d.Seconds())
	return d
}
