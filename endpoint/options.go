package endpoint

import "time"

// Option configures an endpoint at declaration time. Policies may later
// override anything set here.
type Option func(*Endpoint)

// WithRole marks the endpoint's ownership role.
func WithRole(role Role) Option {
	return func(e *Endpoint) { e.Role = role }
}

// WithQueueGroup makes the listener a competing consumer in the named group.
func WithQueueGroup(group string) Option {
	return func(e *Endpoint) { e.QueueGroup = group }
}

// WithStream binds the endpoint to a durable stream and upgrades it to
// at-least-once delivery.
func WithStream(name string) Option {
	return func(e *Endpoint) {
		e.Stream = name
		e.Guarantee = AtLeastOnce
	}
}

// WithConsumer overrides the derived durable consumer name.
func WithConsumer(name string) Option {
	return func(e *Endpoint) { e.Consumer = name }
}

// WithAtMostOnce forces fire-and-forget delivery, dropping any stream binding.
func WithAtMostOnce() Option {
	return func(e *Endpoint) {
		e.Guarantee = AtMostOnce
		e.Stream = ""
	}
}

// WithDeadLetter enables dead-letter routing. An empty subject uses the
// derived dead-letter.<subject> destination.
func WithDeadLetter(subject string) Option {
	return func(e *Endpoint) {
		e.DeadLetter.Enabled = true
		e.DeadLetter.Subject = subject
	}
}

// WithoutDeadLetter disables dead-letter routing; exhausted messages go to
// the generic error queue instead.
func WithoutDeadLetter() Option {
	return func(e *Endpoint) { e.DeadLetter = DeadLetterConfig{} }
}

// WithMaxDeliveryAttempts sets the attempt budget before dead-lettering.
func WithMaxDeliveryAttempts(n int) Option {
	return func(e *Endpoint) { e.MaxDeliveryAttempts = n }
}

// WithExecutionTimeout bounds a single handler invocation.
func WithExecutionTimeout(d time.Duration) Option {
	return func(e *Endpoint) { e.ExecutionTimeout = d }
}

// WithMode selects inline or queued handler execution.
func WithMode(mode Mode) Option {
	return func(e *Endpoint) { e.Mode = mode }
}

// WithSequential serialises handler invocations so messages are processed
// one at a time in subject order.
func WithSequential() Option {
	return func(e *Endpoint) {
		e.Sequential = true
		e.MaxConcurrent = 1
	}
}

// WithMaxConcurrent bounds parallel handler invocations for the endpoint.
func WithMaxConcurrent(n int) Option {
	return func(e *Endpoint) { e.MaxConcurrent = n }
}

// WithBreaker tunes the endpoint circuit breaker: the endpoint pauses after
// threshold consecutive failures and probes again after pause.
func WithBreaker(threshold uint32, pause time.Duration) Option {
	return func(e *Endpoint) {
		e.FailureThreshold = threshold
		e.PauseTime = pause
	}
}
