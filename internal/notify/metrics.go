package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cse",
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Total number of notification deliveries by result",
		},
		[]string{"result"},
	)

	notificationsBatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cse",
			Subsystem: "notify",
			Name:      "batched_total",
			Help:      "Total number of notifications parked in a batch",
		},
	)

	batchFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cse",
			Subsystem: "notify",
			Name:      "batch_flushes_total",
			Help:      "Total number of aggregated batch sends",
		},
	)

	verificationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cse",
			Subsystem: "notify",
			Name:      "verification_failures_total",
			Help:      "Total number of failed subscription verification handshakes",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cse",
			Subsystem: "notify",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per notification host (0 closed, 1 half-open, 2 open)",
		},
		[]string{"host"},
	)
)

func recordDelivery(err error) {
	if err != nil {
		notificationsSentTotal.WithLabelValues("error").Inc()
		return
	}
	notificationsSentTotal.WithLabelValues("success").Inc()
}
