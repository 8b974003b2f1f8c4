package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	purchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trenches",
			Subsystem: "shop",
			Name:      "purchases_total",
			Help:      "Total number of purchase attempts",
		},
		[]string{"kind", "outcome"}, // item/pack, completed/cancelled/failed
	)

	fulfillmentAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trenches",
			Subsystem: "shop",
			Name:      "fulfillment_attempts_total",
			Help:      "Total number of fulfillment verification attempts",
		},
		[]string{"kind"},
	)

	purchaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trenches",
			Subsystem: "shop",
			Name:      "purchase_duration_seconds",
			Help:      "Time from quote request to terminal state",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"kind"},
	)
)

// PurchaseMetrics provides methods to update purchase-flow metrics
type PurchaseMetrics struct{}

// NewPurchaseMetrics creates a new instance of PurchaseMetrics
func NewPurchaseMetrics() *PurchaseMetrics {
	return &PurchaseMetrics{}
}

// RecordPurchase records a purchase attempt reaching a terminal state
func (pm *PurchaseMetrics) RecordPurchase(kind, outcome string, duration time.Duration) {
	purchasesTotal.WithLabelValues(kind, outcome).Inc()
	purchaseDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordFulfillmentAttempt records one verification call against the backend
func (pm *PurchaseMetrics) RecordFulfillmentAttempt(kind string) {
	fulfillmentAttemptsTotal.WithLabelValues(kind).Inc()
}

// Outcome label constants for consistent labeling
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)
