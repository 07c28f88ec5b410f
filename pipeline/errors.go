package pipeline

import (
	"errors"
	"fmt"
)

// TransientDeliveryFailure marks a handler error as recoverable: the delivery
// is negative-acknowledged and retried with a cooldown until the attempt
// budget runs out.
type TransientDeliveryFailure struct {
	Err error
}

func (e *TransientDeliveryFailure) Error() string {
	return "transient delivery failure: " + e.Err.Error()
}

func (e *TransientDeliveryFailure) Unwrap() error { return e.Err }

// FatalDeliveryFailure marks a handler error as non-recoverable: the delivery
// is routed to the dead-letter subject immediately, bypassing remaining
// retries.
type FatalDeliveryFailure struct {
	Err error
}

func (e *FatalDeliveryFailure) Error() string {
	return "fatal delivery failure: " + e.Err.Error()
}

func (e *FatalDeliveryFailure) Unwrap() error { return e.Err }

// Transient wraps err as a recoverable delivery failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientDeliveryFailure{Err: err}
}

// Fatal wraps err as a non-recoverable delivery failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalDeliveryFailure{Err: err}
}

// IsFatal reports whether err is classified as non-recoverable. Unclassified
// handler errors default to transient.
func IsFatal(err error) bool {
	var fatal *FatalDeliveryFailure
	return errors.As(err, &fatal)
}

// CircuitOpenError reports that an endpoint's circuit breaker is open:
// inbound deliveries stay with the broker and outbound publishes fail fast.
type CircuitOpenError struct {
	Subject string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for endpoint %q", e.Subject)
}
