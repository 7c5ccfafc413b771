package resilience

import (
	"github.com/go-i2p/httptransport/lib/metrics"
)

// Circuit breaker metrics for Prometheus exposition.
var (
	// CircuitBreakerTrips counts the number of times circuits have opened.
	CircuitBreakerTrips = metrics.NewCounter(
		"httptransport_circuit_breaker_trips_total",
		"Total number of times dial circuit breakers have opened",
	)

	// CircuitBreakerRejections counts dials rejected by open circuits.
	CircuitBreakerRejections = metrics.NewCounter(
		"httptransport_circuit_breaker_rejections_total",
		"Total dials rejected by open circuit breakers",
	)
)
