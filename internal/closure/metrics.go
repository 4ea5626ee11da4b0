package closure

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "closure",
		Subsystem: "processor",
		Name:      "runs_total",
		Help:      "Background closure runs by outcome",
	},
	[]string{"result"},
)

var activeRunners = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "closure",
		Subsystem: "processor",
		Name:      "active_runners",
		Help:      "Closure runner goroutines currently live",
	},
)

var phaseDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "closure",
		Subsystem: "processor",
		Name:      "phase_duration_seconds",
		Help:      "Wall time spent per closure phase",
		Buckets:   []float64{1, 10, 60, 600, 3600, 21600, 86400, 259200},
	},
	[]string{"phase"},
)

var transfersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "closure",
		Subsystem: "withdrawal",
		Name:      "transfers_total",
		Help:      "Withdrawal transfers by final status",
	},
	[]string{"status"},
)

var resumesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "closure",
		Subsystem: "orchestrator",
		Name:      "resumes_total",
		Help:      "Resume invocations by action taken",
	},
	[]string{"action"},
)

func observePhase(phase string, d time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}
