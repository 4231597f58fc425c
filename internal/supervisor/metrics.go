package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Inference server launches by backend",
		},
		[]string{"backend"},
	)

	exitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "supervisor",
			Name:      "exits_total",
			Help:      "Inference server exits by kind (intentional, unexpected)",
		},
		[]string{"kind"},
	)

	stateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Lifecycle state of the inference server (0 not_running, 1 starting, 2 ready, 3 crashed, 4 shutting_down)",
		},
	)
)

func init() {
	prometheus.MustRegister(launchesTotal, exitsTotal, stateGauge)
}
