package lending

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	accruals        *prometheus.CounterVec
	liquidations    *prometheus.CounterVec
	redemptions     *prometheus.CounterVec
	deferredPayouts *prometheus.CounterVec
	shortfalls      prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsRegistry *engineMetrics
)

// Metrics returns the lazily-initialised registry used to record ledger
// activity.
func Metrics() *engineMetrics {
	metricsOnce.Do(func() {
		metricsRegistry = &engineMetrics{
			accruals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "lending",
				Name:      "accruals_total",
				Help:      "Count of interest accrual updates segmented by market.",
			}, []string{"market"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations segmented by incentive class.",
			}, []string{"incentive"}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "lending",
				Name:      "redemptions_total",
				Help:      "Count of completed face-value redemptions segmented by market.",
			}, []string{"market"}),
			deferredPayouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "lending",
				Name:      "deferred_payouts_total",
				Help:      "Count of withdrawals deferred by the payout limiter segmented by market.",
			}, []string{"market"}),
			shortfalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "lending",
				Name:      "shortfall_accounts_total",
				Help:      "Count of liquidity checks that reported an account shortfall.",
			}),
		}
		prometheus.MustRegister(
			metricsRegistry.accruals,
			metricsRegistry.liquidations,
			metricsRegistry.redemptions,
			metricsRegistry.deferredPayouts,
			metricsRegistry.shortfalls,
		)
	})
	return metricsRegistry
}
