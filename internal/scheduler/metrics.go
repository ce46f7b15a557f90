package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backup_scheduler_ticks_total",
		Help: "Total scheduler sweeps.",
	})
	scheduleFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backup_schedule_failures_total",
		Help: "Total scheduled backup runs that failed.",
	})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backup_scheduler_sweep_duration_seconds",
		Help:    "Duration of each scheduler sweep.",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
	})
)
