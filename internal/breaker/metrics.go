package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablefetch_breaker_transitions_total",
		Help: "Circuit breaker state transitions by resulting state.",
	}, []string{"to"})

	shortCircuitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablefetch_breaker_short_circuits_total",
		Help: "Calls rejected because the circuit was open.",
	})
)
