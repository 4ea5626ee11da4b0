package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "closure",
		Subsystem: "audit",
		Name:      "entries_total",
		Help:      "Audit log writes by result (inserted, duplicate, error)",
	},
	[]string{"result"},
)

func observeEntry(result string) {
	entriesTotal.WithLabelValues(result).Inc()
}
