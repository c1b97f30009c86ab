package wrongpath

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wrongpath_forks_total",
		Help: "Conditional transfers that split execution into taken and fall-through contexts.",
	})

	deferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wrongpath_deferred_conditions_total",
		Help: "Branch conditions queued instead of being asserted immediately.",
	})

	retiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wrongpath_retired_conditions_total",
		Help: "Deferred conditions committed to a solver, at retirement or a fence.",
	})

	fenceFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wrongpath_fence_flushes_total",
		Help: "Fences that drained a deferred condition queue.",
	})

	mispredictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wrongpath_mispredicted_paths_total",
		Help: "Paths proven architecturally impossible by a committed condition.",
	})

	reliftsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wrongpath_relifts_total",
		Help: "Blocks refetched after speculative stores overwrote instruction bytes.",
	})

	solverCheckSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wrongpath_solver_check_duration_seconds",
		Help:    "Latency of satisfiability checks issued by the engine.",
		Buckets: prometheus.DefBuckets,
	})
)
