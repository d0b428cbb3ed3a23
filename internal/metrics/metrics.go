package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================================================
	// Flow state (Gauges)
	// ============================================================================

	// ActiveFlows: flows currently allowed unrestricted window behavior
	ActiveFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_active_flows",
		Help: "Number of flows currently in the active queue",
	})

	// PausedFlows: flows whose RWND is currently forced to zero
	PausedFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_paused_flows",
		Help: "Number of flows currently in the paused queue",
	})

	// ============================================================================
	// Interception counters
	// ============================================================================

	// AcceptsTotal: intercepted accepts by outcome
	// Labels: outcome (managed, passthrough, exempt, unmanaged, error)
	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_accepts_total",
			Help: "Total intercepted accept calls by outcome",
		},
		[]string{"outcome"},
	)

	// ClosesTotal: intercepted closes that completed bookkeeping
	ClosesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowgate_closes_total",
		Help: "Total intercepted close calls that succeeded",
	})

	// ============================================================================
	// Scheduler counters
	// ============================================================================

	RotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowgate_rotations_total",
		Help: "Total scheduler classification passes",
	})

	PromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowgate_promotions_total",
		Help: "Total flows promoted from paused to active",
	})

	DemotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowgate_demotions_total",
		Help: "Total flows demoted from active to paused",
	})

	// StaleDropsTotal: closed descriptors discarded from the paused queue
	StaleDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowgate_stale_drops_total",
		Help: "Total stale queue entries discarded by the scheduler",
	})

	// ============================================================================
	// Kernel map operations
	// ============================================================================

	// MapOpsTotal: flow_to_rwnd map operations
	// Labels: op (pause, unpause), result (ok, error, skipped)
	MapOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_rwnd_map_ops_total",
			Help: "Total kernel flow_to_rwnd map operations",
		},
		[]string{"op", "result"},
	)
)

// SetQueueSizes updates the flow state gauges.
func SetQueueSizes(active, paused int) {
	ActiveFlows.Set(float64(active))
	PausedFlows.Set(float64(paused))
}

// RecordAccept records the outcome of one intercepted accept.
func RecordAccept(outcome string) {
	AcceptsTotal.WithLabelValues(outcome).Inc()
}

// RecordMapOp records one kernel map operation.
func RecordMapOp(op, result string) {
	MapOpsTotal.WithLabelValues(op, result).Inc()
}
