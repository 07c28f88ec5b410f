package pipeline

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/natsbind/endpoint"
	"github.com/drblury/natsbind/internal/logging"
)

// breakerObservationWindow is the rolling window over which failure counts
// accumulate while the circuit is closed.
const breakerObservationWindow = time.Minute

// breakerFor returns the circuit breaker for an endpoint, creating it on
// first use. Breakers live in a sync.Map so concurrent consumption loops
// never contend on a global lock.
func (p *Pipeline) breakerFor(e *endpoint.Endpoint) *gobreaker.TwoStepCircuitBreaker {
	key := string(e.Direction) + ":" + e.Subject
	if v, ok := p.breakers.Load(key); ok {
		return v.(*gobreaker.TwoStepCircuitBreaker)
	}

	threshold := e.FailureThreshold
	if threshold == 0 {
		threshold = endpoint.DefaultFailureThreshold
	}
	pause := e.PauseTime
	if pause <= 0 {
		pause = endpoint.DefaultPauseTime
	}

	subject := e.Subject
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    breakerObservationWindow,
		Timeout:     pause,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.metrics.observeBreakerState(subject, breakerStateValue(to))
			p.logger.Info("Endpoint circuit breaker state changed", logging.LogFields{
				"endpoint": name,
				"from":     from.String(),
				"to":       to.String(),
			})
		},
	})

	actual, _ := p.breakers.LoadOrStore(key, cb)
	return actual.(*gobreaker.TwoStepCircuitBreaker)
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
