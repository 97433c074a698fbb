package gpulock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yivideo",
			Name:      "gpu_lock_acquisitions_total",
			Help:      "GPU lock acquisition attempts by outcome",
		},
		[]string{"outcome"}, // acquired|timeout|error
	)

	lockWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "yivideo",
			Name:      "gpu_lock_wait_seconds",
			Help:      "Time spent waiting for the GPU lock",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		},
	)

	holderAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "yivideo",
			Name:      "gpu_lock_holder_age_seconds",
			Help:      "Age of the current GPU lock holder, 0 when free",
		},
	)

	forcedReleases = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "yivideo",
			Name:      "gpu_lock_forced_releases_total",
			Help:      "Forced releases performed by the monitor",
		},
	)

	zombieTasks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "yivideo",
			Name:      "gpu_lock_zombie_tasks_total",
			Help:      "Tasks flagged for a stale heartbeat",
		},
	)
)
