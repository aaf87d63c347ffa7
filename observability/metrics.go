// Package observability exposes zwarmd's Prometheus metrics, grounded
// on the teacher's control_plane/observability/metrics.go package-level
// promauto idiom (one var block of Gauge/Counter/Histogram vectors,
// registered to the default registerer).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QuotaPercentage tracks each slot's last observed quota percentage.
	QuotaPercentage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zwarmd_quota_percentage",
		Help: "Last observed TOKENS_LIMIT percentage per slot",
	}, []string{"slot"})

	// WakesTotal counts wake POSTs by outcome.
	WakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zwarmd_wakes_total",
		Help: "Total wake POSTs sent, by slot and outcome",
	}, []string{"slot", "outcome"}) // outcome: sent, confirmed, failed, forced_retry

	// QuotaPollsTotal counts quota fetch attempts by outcome.
	QuotaPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zwarmd_quota_polls_total",
		Help: "Total quota fetch attempts, by slot and outcome",
	}, []string{"slot", "outcome"}) // outcome: success, error

	// ConsecutiveErrors tracks each slot's live error-counter values.
	ConsecutiveErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zwarmd_consecutive_errors",
		Help: "Current consecutive-error count per slot and source",
	}, []string{"slot", "source"}) // source: quota, wake

	// AutoDisabled tracks each slot's disable-flag state (1/0).
	AutoDisabled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zwarmd_auto_disabled",
		Help: "Whether a slot is currently auto-disabled (1) or not (0), per source",
	}, []string{"slot", "source"}) // source: quota, wake

	// BackoffSeconds tracks the QuotaPoller's current computed delay.
	BackoffSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zwarmd_quota_poll_backoff_seconds",
		Help: "Current computed QuotaPoller sleep duration per slot",
	}, []string{"slot"})

	// WakeConfirmationSeconds tracks how long confirmation took once a
	// wake was confirmed.
	WakeConfirmationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zwarmd_wake_confirmation_seconds",
		Help:    "Time between sending a wake and its quota-advance confirmation",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	})

	// MonitoringActive reports whether SchedulerManager.Start has run.
	MonitoringActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zwarmd_monitoring_active",
		Help: "1 if the scheduler manager is currently monitoring (even with no enabled slot), else 0",
	})
)
