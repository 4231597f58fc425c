package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "items_total",
			Help:      "Dispatched items by job kind and outcome (ok, fallback)",
		},
		[]string{"kind", "outcome"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "jobs_total",
			Help:      "Jobs by kind and outcome (completed, aborted, canceled, rejected)",
		},
		[]string{"kind", "outcome"},
	)

	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Server relaunches requested by the scheduler",
		},
		[]string{"reason"},
	)

	busyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "busy",
			Help:      "1 while the single-flight lock is held",
		},
	)

	queuedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "queued_jobs",
			Help:      "Batch jobs waiting behind the active job",
		},
	)
)

func init() {
	prometheus.MustRegister(itemsTotal, jobsTotal, restartsTotal, busyGauge, queuedGauge)
}
