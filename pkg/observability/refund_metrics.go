package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refundRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_requests_total",
		Help: "Refund requests by final outcome",
	}, []string{
		"outcome",    // settled, rejected, failed, error
		"error_code", // INSUFFICIENT_REMAINING_BALANCE, PERMANENT_GATEWAY_ERROR, ...
		"replayed",   // true when served from a stored result
	})

	refundAmountSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_amount_settled_minor_total",
		Help: "Total settled refund amount in minor currency units",
	}, []string{"currency"})

	refundProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refund_processing_duration_seconds",
		Help:    "Time to process a refund request end to end, including retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"outcome"})

	gatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_gateway_calls_total",
		Help: "Calls to the payment provider by classified result",
	}, []string{
		"provider",
		"operation", // refund, status
		"result",    // settled, transient, permanent, not_found, in_progress
	})

	gatewayCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refund_gateway_call_duration_seconds",
		Help:    "Latency of a single payment provider call",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "operation"})

	gatewayCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "refund_gateway_circuit_state",
		Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
	}, []string{"provider"})

	lockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refund_lock_wait_seconds",
		Help:    "Time spent waiting for the per-payment lock",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	pendingUnresolved = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "refund_pending_unresolved",
		Help: "Pending refund attempts left unresolved by the last recovery sweep",
	})

	recoveryResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_recovery_resolved_total",
		Help: "Pending attempts resolved by recovery, by resulting outcome",
	}, []string{"outcome"})
)

// RecordRefundOutcome records the result of one RequestRefund call.
func RecordRefundOutcome(outcome, errorCode string, replayed bool, duration time.Duration) {
	r := "false"
	if replayed {
		r = "true"
	}
	refundRequestsTotal.WithLabelValues(outcome, errorCode, r).Inc()
	refundProcessingDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRefundSettled adds a settled amount to the running total.
func RecordRefundSettled(currency string, amountMinor int64) {
	refundAmountSettled.WithLabelValues(currency).Add(float64(amountMinor))
}

// RecordGatewayCall records a single provider call.
func RecordGatewayCall(provider, operation, result string, duration time.Duration) {
	gatewayCallsTotal.WithLabelValues(provider, operation, result).Inc()
	gatewayCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// SetGatewayCircuitState publishes the breaker state for a provider.
func SetGatewayCircuitState(provider string, state int) {
	gatewayCircuitState.WithLabelValues(provider).Set(float64(state))
}

// ObserveLockWait records time spent acquiring a payment lock.
func ObserveLockWait(d time.Duration) {
	lockWaitDuration.Observe(d.Seconds())
}

// SetPendingUnresolved publishes how many attempts remain pending.
func SetPendingUnresolved(n int) {
	pendingUnresolved.Set(float64(n))
}

// RecordRecoveryResolution counts an attempt resolved by recovery.
func RecordRecoveryResolution(outcome string) {
	recoveryResolvedTotal.WithLabelValues(outcome).Inc()
}
