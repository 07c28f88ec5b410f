// Package endpoint holds the typed descriptors that bind logical listeners
// and senders to broker subjects, and the process-wide table they are
// registered in. Descriptors are plain data: policies mutate them at
// configuration time, and the table freezes them before traffic flows.
package endpoint

import (
	"fmt"
	"strings"
	"time"
)

// Role classifies who owns an endpoint. Policies typically guard on it so
// engine-internal endpoints (reply inboxes, dead-letter sinks) are not
// reshaped by application-level rules.
type Role string

const (
	RoleSystem      Role = "system"
	RoleApplication Role = "application"
)

// Direction distinguishes message consumers from producers.
type Direction string

const (
	DirectionListener Direction = "listener"
	DirectionSender   Direction = "sender"
)

// Mode selects how inbound messages are executed.
type Mode string

const (
	// ModeInline invokes the handler directly on the consumption loop.
	ModeInline Mode = "inline"

	// ModeDurableQueued dispatches handler invocations to a bounded worker
	// pool fed by the durable consumer.
	ModeDurableQueued Mode = "durable-queued"
)

// Guarantee is the delivery guarantee an endpoint provides.
type Guarantee string

const (
	// AtMostOnce uses the broker's native fire-and-forget semantics.
	AtMostOnce Guarantee = "at-most-once"

	// AtLeastOnce persists messages into a stream and redelivers until
	// acknowledged or exhausted. Requires a stream binding.
	AtLeastOnce Guarantee = "at-least-once"
)

// DeadLetterSubjectPrefix prefixes the derived subject that receives
// exhausted messages.
const DeadLetterSubjectPrefix = "dead-letter."

// Defaults applied by New when the corresponding option is not given.
const (
	DefaultMaxDeliveryAttempts = 5
	DefaultExecutionTimeout    = 30 * time.Second
	DefaultFailureThreshold    = 5
	DefaultPauseTime           = 30 * time.Second
	DefaultMaxConcurrent       = 8
)

// DeadLetterConfig controls where exhausted messages are routed.
type DeadLetterConfig struct {
	Enabled bool

	// Subject overrides the derived dead-letter destination. Empty means
	// DeadLetterSubjectPrefix + the endpoint subject.
	Subject string

	// MaxDeliveryAttempts overrides the endpoint-level attempt budget for
	// dead-letter routing. Zero means inherit.
	MaxDeliveryAttempts int
}

// Endpoint describes one listener or sender bound to a subject. It is mutable
// during configuration (policies run over it) and treated as immutable once
// the table is frozen.
type Endpoint struct {
	Subject   string
	Role      Role
	Direction Direction
	Mode      Mode
	Guarantee Guarantee

	// QueueGroup makes listeners competing consumers: one message goes to
	// exactly one group member.
	QueueGroup string

	// Stream names the durable stream backing an AtLeastOnce endpoint.
	Stream string

	// Consumer overrides the derived durable consumer name.
	Consumer string

	DeadLetter DeadLetterConfig

	MaxDeliveryAttempts int
	ExecutionTimeout    time.Duration

	// Sequential serialises handler invocations for this endpoint, trading
	// throughput for subject ordering.
	Sequential    bool
	MaxConcurrent int

	// Circuit breaker settings.
	FailureThreshold uint32
	PauseTime        time.Duration

	// MessageTypeFilter restricts which message types a sender transmits.
	// Empty means all.
	MessageTypeFilter string
}

// New constructs an endpoint with defaults applied and options run in order.
// The result is not validated; the table validates on declaration.
func New(direction Direction, subject string, opts ...Option) *Endpoint {
	e := &Endpoint{
		Subject:             subject,
		Role:                RoleApplication,
		Direction:           direction,
		Mode:                ModeDurableQueued,
		Guarantee:           AtMostOnce,
		MaxDeliveryAttempts: DefaultMaxDeliveryAttempts,
		ExecutionTimeout:    DefaultExecutionTimeout,
		MaxConcurrent:       DefaultMaxConcurrent,
		FailureThreshold:    DefaultFailureThreshold,
		PauseTime:           DefaultPauseTime,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DeadLetterSubject returns the destination for exhausted messages from this
// endpoint.
func (e *Endpoint) DeadLetterSubject() string {
	if e.DeadLetter.Subject != "" {
		return e.DeadLetter.Subject
	}
	return DeadLetterSubjectPrefix + e.Subject
}

// DeadLetterAttempts returns the attempt budget after which a message is
// dead-lettered.
func (e *Endpoint) DeadLetterAttempts() int {
	if e.DeadLetter.MaxDeliveryAttempts > 0 {
		return e.DeadLetter.MaxDeliveryAttempts
	}
	return e.MaxDeliveryAttempts
}

// Accepts reports whether a sender endpoint transmits the given message type.
func (e *Endpoint) Accepts(messageType string) bool {
	return e.MessageTypeFilter == "" || e.MessageTypeFilter == messageType
}

// Validate checks the descriptor against the declaration rules.
func (e *Endpoint) Validate() error {
	allowWildcards := e.Direction == DirectionListener
	if err := ValidateSubject(e.Subject, allowWildcards); err != nil {
		return &ConfigurationError{Subject: e.Subject, Reason: err.Error()}
	}
	if e.Guarantee == AtLeastOnce && e.Stream == "" {
		return &ConfigurationError{
			Subject: e.Subject,
			Reason:  "at-least-once delivery requires a stream binding",
		}
	}
	if e.MaxDeliveryAttempts < 1 {
		return &ConfigurationError{
			Subject: e.Subject,
			Reason:  fmt.Sprintf("max delivery attempts must be >= 1, got %d", e.MaxDeliveryAttempts),
		}
	}
	if e.Direction == DirectionSender && e.QueueGroup != "" {
		return &ConfigurationError{
			Subject: e.Subject,
			Reason:  "queue groups apply to listeners only",
		}
	}
	return nil
}

// ValidateSubject checks a hierarchical dot-delimited subject. Wildcard
// segments ("*" anywhere, ">" terminal only) are legal only when
// allowWildcards is set.
func ValidateSubject(subject string, allowWildcards bool) error {
	if subject == "" {
		return fmt.Errorf("subject is empty")
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return fmt.Errorf("subject %q has an empty token", subject)
		case tok == "*":
			if !allowWildcards {
				return fmt.Errorf("subject %q: wildcard segments are only valid for listeners", subject)
			}
		case tok == ">":
			if !allowWildcards {
				return fmt.Errorf("subject %q: wildcard segments are only valid for listeners", subject)
			}
			if i != len(tokens)-1 {
				return fmt.Errorf("subject %q: '>' must be the final token", subject)
			}
		case strings.ContainsAny(tok, "*> \t"):
			return fmt.Errorf("subject %q: token %q contains invalid characters", subject, tok)
		}
	}
	return nil
}

// IsWildcard reports whether the subject contains wildcard segments and is
// therefore usable for subscription only, not exact resolution.
func IsWildcard(subject string) bool {
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}

// ConfigurationError reports an invalid or conflicting endpoint declaration.
// It is fatal at startup and never recovered.
type ConfigurationError struct {
	Subject string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Subject == "" {
		return "endpoint configuration error: " + e.Reason
	}
	return fmt.Sprintf("endpoint configuration error for %q: %s", e.Subject, e.Reason)
}
