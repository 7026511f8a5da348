package wallet

import "github.com/prometheus/client_golang/prometheus"

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collably",
		Subsystem: "wallet",
		Name:      "operations_total",
		Help:      "Total wallet operations by kind and outcome.",
	}, []string{"op", "result"})

	holdsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collably",
		Subsystem: "wallet",
		Name:      "open_holds",
		Help:      "Number of escrow holds currently in state held.",
	})
)

func init() {
	prometheus.MustRegister(opsTotal, holdsOpen)
}
