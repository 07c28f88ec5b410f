package policy

import (
	"time"

	"github.com/drblury/natsbind/endpoint"
)

// SetMaxDeliveryAttempts overwrites the endpoint attempt budget.
func SetMaxDeliveryAttempts(n int) Policy {
	return New("set_max_delivery_attempts", func(ctx Context, e *endpoint.Endpoint) {
		e.MaxDeliveryAttempts = n
	})
}

// SetExecutionTimeout overwrites the per-invocation handler timeout.
func SetExecutionTimeout(d time.Duration) Policy {
	return New("set_execution_timeout", func(ctx Context, e *endpoint.Endpoint) {
		e.ExecutionTimeout = d
	})
}

// SetMode overwrites the execution mode.
func SetMode(mode endpoint.Mode) Policy {
	return New("set_mode", func(ctx Context, e *endpoint.Endpoint) {
		e.Mode = mode
	})
}

// EnableDeadLetter turns on dead-letter routing. An empty subject keeps the
// derived destination.
func EnableDeadLetter(subject string) Policy {
	return New("enable_dead_letter", func(ctx Context, e *endpoint.Endpoint) {
		e.DeadLetter.Enabled = true
		e.DeadLetter.Subject = subject
	})
}

// DisableDeadLetter turns off dead-letter routing.
func DisableDeadLetter() Policy {
	return New("disable_dead_letter", func(ctx Context, e *endpoint.Endpoint) {
		e.DeadLetter = endpoint.DeadLetterConfig{}
	})
}

// SetBreaker overwrites the circuit-breaker threshold and pause.
func SetBreaker(threshold uint32, pause time.Duration) Policy {
	return New("set_breaker", func(ctx Context, e *endpoint.Endpoint) {
		e.FailureThreshold = threshold
		e.PauseTime = pause
	})
}

// SetSequential serialises handler execution for matching endpoints.
func SetSequential() Policy {
	return New("set_sequential", func(ctx Context, e *endpoint.Endpoint) {
		e.Sequential = true
		e.MaxConcurrent = 1
	})
}

// DevelopmentDefaults shortens timeouts and disables dead-letter queues, the
// usual shape for local iteration.
func DevelopmentDefaults() []Policy {
	return []Policy{
		ApplicationOnly(SetExecutionTimeout(5 * time.Second)),
		ApplicationOnly(DisableDeadLetter()),
	}
}

// ProductionDefaults enforces dead-letter queues and lengthens timeouts.
func ProductionDefaults() []Policy {
	return []Policy{
		ApplicationOnly(SetExecutionTimeout(60 * time.Second)),
		ApplicationOnly(EnableDeadLetter("")),
	}
}
