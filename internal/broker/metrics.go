package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var partnerRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "closure",
		Subsystem: "partner",
		Name:      "requests_total",
		Help:      "Partner API requests by operation and result",
	},
	[]string{"op", "result"},
)

var partnerLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "closure",
		Subsystem: "partner",
		Name:      "request_duration_seconds",
		Help:      "Partner API request latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"op"},
)

func observeRequest(op, result string, d time.Duration) {
	partnerRequests.WithLabelValues(op, result).Inc()
	partnerLatency.WithLabelValues(op).Observe(d.Seconds())
}
