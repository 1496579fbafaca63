package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alphaflow",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Tasks currently buffered in the scheduler, across all groups.",
	})

	SchedulerGroupsBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alphaflow",
		Subsystem: "scheduler",
		Name:      "groups_buffered",
		Help:      "Distinct setting groups currently buffered.",
	})

	SchedulerPromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alphaflow",
		Subsystem: "scheduler",
		Name:      "promotions_total",
		Help:      "Total starvation promotions applied to buffered groups.",
	})

	SchedulerFetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alphaflow",
		Subsystem: "scheduler",
		Name:      "fetch_errors_total",
		Help:      "Total provider fetch failures during refill.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alphaflow",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total tasks finished by workers, labelled by terminal status.",
	}, []string{"status"})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alphaflow",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed across all workers.",
	})

	WorkerBatchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "alphaflow",
		Subsystem: "worker",
		Name:      "batch_duration_seconds",
		Help:      "End-to-end simulation batch time in seconds.",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})

	WorkerRequeuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alphaflow",
		Subsystem: "worker",
		Name:      "requeues_total",
		Help:      "Total tasks returned to PENDING after interrupted execution.",
	})

	WorkerRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alphaflow",
		Subsystem: "worker",
		Name:      "rate_limited_total",
		Help:      "Total submissions deferred by the simulation API rate limiter.",
	})

	// ─── Pool ────────────────────────────────────────────────────────────────────

	PoolWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alphaflow",
		Subsystem: "pool",
		Name:      "workers_active",
		Help:      "Workers currently managed by the pool.",
	})

	PoolWorkerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alphaflow",
		Subsystem: "pool",
		Name:      "worker_restarts_total",
		Help:      "Total workers replaced after a crash or stall.",
	})

	// ─── Ingest ──────────────────────────────────────────────────────────────────

	IngestTasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alphaflow",
		Subsystem: "ingest",
		Name:      "tasks_created_total",
		Help:      "Total tasks created from submission messages.",
	})

	IngestDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alphaflow",
		Subsystem: "ingest",
		Name:      "dlq_total",
		Help:      "Total malformed submissions forwarded to the dead-letter topic.",
	})
)
