package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cse",
			Subsystem: "events",
			Name:      "fired_total",
			Help:      "Total number of events fired on the bus",
		},
		[]string{"event"},
	)

	handlerPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cse",
			Subsystem: "events",
			Name:      "handler_panics_total",
			Help:      "Total number of event handlers that panicked",
		},
		[]string{"event"},
	)
)

// RecordEventFired records that an event was fired.
func RecordEventFired(event string) {
	eventsFiredTotal.WithLabelValues(event).Inc()
}

// RecordHandlerPanic records a recovered handler panic.
func RecordHandlerPanic(event string) {
	handlerPanicsTotal.WithLabelValues(event).Inc()
}
