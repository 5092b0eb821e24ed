package workers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveWorkersGauge tracks the current number of running background
	// workers and actors.
	ActiveWorkersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cse_background_workers_active",
			Help: "Current number of running background workers",
		},
	)

	// WorkerRunsTotal tracks the total number of worker callback runs.
	WorkerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cse_background_worker_runs_total",
			Help: "Total number of background worker callback runs",
		},
		[]string{"worker"},
	)
)
