// Package broker defines the contract the delivery engine requires from the
// message broker, plus the NATS implementation of it. The engine only depends
// on the interfaces here, which keeps stream provisioning and the delivery
// pipeline testable against in-memory fakes.
package broker

import (
	"context"
	"errors"
	"time"
)

// Headers carries string key/value metadata alongside a published payload.
type Headers map[string]string

// RetentionPolicy selects how a stream discards messages.
type RetentionPolicy string

const (
	// RetentionLimits keeps messages until the configured message, byte, or
	// age limit evicts them.
	RetentionLimits RetentionPolicy = "limits"

	// RetentionWorkQueue keeps each message only until one consumer has
	// acknowledged it.
	RetentionWorkQueue RetentionPolicy = "workqueue"

	// RetentionInterest keeps messages only while at least one consumer has
	// interest in them.
	RetentionInterest RetentionPolicy = "interest"
)

// StreamConfig declares a durable stream backing one or more subjects.
type StreamConfig struct {
	Name           string
	SubjectFilters []string
	Retention      RetentionPolicy
	MaxMessages    int64
	MaxBytes       int64
	MaxAge         time.Duration
	Replicas       int
}

// UnlimitedDeliveries removes the broker-side redelivery cap on a consumer.
const UnlimitedDeliveries = -1

// ConsumerConfig declares a durable cursor into a stream.
type ConsumerConfig struct {
	Stream        string
	Name          string
	FilterSubject string

	// MaxDeliver caps broker-side redeliveries of one message.
	// UnlimitedDeliveries leaves redelivery uncapped.
	MaxDeliver int

	// MaxAckPending bounds how many deliveries may be outstanding
	// unacknowledged at once. Zero keeps the broker default; 1 forces strict
	// one-at-a-time delivery, so a nak'd message is redelivered before any
	// later message is handed out.
	MaxAckPending int

	AckWait time.Duration
}

// ErrStreamNotFound is returned by StreamInfo when no stream with the given
// name exists on the broker.
var ErrStreamNotFound = errors.New("broker: stream not found")

// Acker finalises a single delivery.
type Acker interface {
	// Ack marks the delivery as processed; it is never redelivered.
	Ack() error

	// Nak returns the delivery to the broker for redelivery after delay.
	Nak(delay time.Duration) error

	// Term marks the delivery as unprocessable; it is acknowledged and never
	// redelivered, bypassing remaining attempts.
	Term() error
}

// Delivery is a single message received from the broker.
type Delivery struct {
	Subject string
	Data    []byte
	Headers Headers

	// Attempt is the broker-reported delivery attempt, starting at 1. Core
	// (non-durable) deliveries always report 1.
	Attempt int

	acker Acker
}

// NewDelivery builds a Delivery around an Acker. Exposed so tests can feed
// fake deliveries through the pipeline.
func NewDelivery(subject string, data []byte, headers Headers, attempt int, acker Acker) *Delivery {
	if attempt < 1 {
		attempt = 1
	}
	return &Delivery{
		Subject: subject,
		Data:    data,
		Headers: headers,
		Attempt: attempt,
		acker:   acker,
	}
}

func (d *Delivery) Ack() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Ack()
}

func (d *Delivery) Nak(delay time.Duration) error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Nak(delay)
}

func (d *Delivery) Term() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Term()
}

// Subscription is a blocking message source for one endpoint.
type Subscription interface {
	// Next blocks until a delivery arrives, the context is cancelled, or the
	// subscription is closed.
	Next(ctx context.Context) (*Delivery, error)

	Close() error
}

// Conn is the full broker surface the engine consumes.
type Conn interface {
	// Publish transmits fire-and-forget. The broker gives no persistence
	// guarantee; message loss on disconnect is accepted.
	Publish(ctx context.Context, subject string, data []byte, headers Headers) error

	// PublishPersistent transmits into the stream capturing the subject and
	// returns only after the broker has durably stored the message.
	PublishPersistent(ctx context.Context, subject string, data []byte, headers Headers) error

	// Subscribe opens a core (at-most-once) subscription. An empty queueGroup
	// delivers to every subscriber; a non-empty one load-balances across
	// group members.
	Subscribe(subject, queueGroup string) (Subscription, error)

	// Consume binds to an existing durable consumer and yields its messages.
	Consume(stream, consumer string) (Subscription, error)

	// StreamInfo returns the broker-side configuration of a stream, or
	// ErrStreamNotFound.
	StreamInfo(ctx context.Context, name string) (*StreamConfig, error)

	// CreateStream creates a stream that does not yet exist.
	CreateStream(ctx context.Context, cfg StreamConfig) error

	// UpdateStreamSubjects replaces the subject filter set of an existing
	// stream, leaving every other setting as the broker has it.
	UpdateStreamSubjects(ctx context.Context, name string, filters []string) error

	// EnsureConsumer creates the durable consumer or re-binds to it when it
	// already exists.
	EnsureConsumer(ctx context.Context, cfg ConsumerConfig) error

	Close() error
}
