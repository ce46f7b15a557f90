package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_runs_total",
		Help: "Total backup runs by result.",
	}, []string{"result"})

	backupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backup_duration_seconds",
		Help:    "Duration of successful backup runs.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	restoreRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_restores_total",
		Help: "Total restore runs by result.",
	}, []string{"result"})

	cleanupDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_cleanup_deleted_total",
		Help: "Backups removed by retention sweeps, by result.",
	}, []string{"result"})
)
