// Package pipeline executes per-message delivery: outbound publish with the
// endpoint's guarantee, inbound dispatch with acknowledgment, cooldown retry,
// circuit-breaker gating, and dead-letter routing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/natsbind/broker"
	"github.com/drblury/natsbind/endpoint"
	"github.com/drblury/natsbind/envelope"
	"github.com/drblury/natsbind/internal/logging"
	"github.com/drblury/natsbind/provision"
)

// DefaultErrorQueue receives exhausted messages from endpoints that disabled
// dead-letter routing. It lives under the dead-letter subject space so the
// dead-letter stream still captures it for inspection.
const DefaultErrorQueue = endpoint.DeadLetterSubjectPrefix + "unrouted"

// Handler processes one inbound envelope. A nil return acknowledges the
// delivery. Errors wrapped with Fatal skip retries and dead-letter
// immediately; everything else is treated as transient and retried.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Pipeline drives message delivery for all endpoints over one broker
// connection.
type Pipeline struct {
	conn        broker.Conn
	serviceName string
	logger      logging.ServiceLogger
	metrics     *Metrics
	backoff     Backoff
	errorQueue  string
	tracer      trace.Tracer

	breakers sync.Map
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics attaches a Prometheus metric set.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithBackoff overrides the retry cooldown sequence.
func WithBackoff(b Backoff) Option {
	return func(p *Pipeline) { p.backoff = b }
}

// WithErrorQueue overrides the generic error queue subject.
func WithErrorQueue(subject string) Option {
	return func(p *Pipeline) { p.errorQueue = subject }
}

// New builds a Pipeline over the broker connection.
func New(conn broker.Conn, serviceName string, logger logging.ServiceLogger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logging.Nop()
	}
	p := &Pipeline{
		conn:        conn,
		serviceName: serviceName,
		logger:      logger,
		backoff:     DefaultBackoff(),
		errorQueue:  DefaultErrorQueue,
		tracer:      otel.Tracer("natsbind/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish transmits an envelope through a sender endpoint. AtMostOnce
// endpoints use fire-and-forget; AtLeastOnce endpoints return only once the
// broker has durably stored the message. While the sender's circuit is open
// the publish fails fast with CircuitOpenError.
func (p *Pipeline) Publish(ctx context.Context, e *endpoint.Endpoint, env *envelope.Envelope) error {
	// Scheduled wrappers carry the reserved transport type; the inner message
	// type was checked against the sender filter before wrapping.
	if env.MessageType != envelope.ScheduledMessageType && !e.Accepts(env.MessageType) {
		return fmt.Errorf("sender %q does not accept message type %q", e.Subject, env.MessageType)
	}

	done, err := p.breakerFor(e).Allow()
	if err != nil {
		return &CircuitOpenError{Subject: e.Subject}
	}

	if e.Guarantee == endpoint.AtLeastOnce {
		err = p.conn.PublishPersistent(ctx, e.Subject, env.Payload, env.WireHeaders())
	} else {
		err = p.conn.Publish(ctx, e.Subject, env.Payload, env.WireHeaders())
	}
	done(err == nil)
	if err != nil {
		return fmt.Errorf("publish to %q failed: %w", e.Subject, err)
	}

	p.metrics.observePublish(e.Subject, string(e.Guarantee))
	return nil
}

// RunListener consumes deliveries for one listener endpoint until the context
// is cancelled. Sequential and inline endpoints process on the loop
// goroutine; queued endpoints dispatch to a bounded worker pool. In-flight
// handlers are allowed to finish on shutdown.
func (p *Pipeline) RunListener(ctx context.Context, e *endpoint.Endpoint, h Handler) error {
	sub, err := p.subscribe(e)
	if err != nil {
		return err
	}
	defer sub.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	inline := e.Sequential || e.Mode == endpoint.ModeInline
	maxConcurrent := e.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)

	p.logger.Info("Listener started", logging.LogFields{
		"subject":    e.Subject,
		"guarantee":  string(e.Guarantee),
		"queue":      e.QueueGroup,
		"sequential": e.Sequential,
	})

	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("listener %q receive failed: %w", e.Subject, err)
		}

		if inline {
			p.process(ctx, e, h, d)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown while waiting for a worker slot: return the delivery
			// so it is redelivered instead of silently lost.
			if err := d.Nak(0); err != nil {
				p.logger.Error("Failed to nak delivery during shutdown", err, logging.LogFields{
					"subject": e.Subject,
				})
			}
			return nil
		}
		wg.Add(1)
		go func(d *broker.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			p.process(ctx, e, h, d)
		}(d)
	}
}

func (p *Pipeline) subscribe(e *endpoint.Endpoint) (broker.Subscription, error) {
	if e.Guarantee == endpoint.AtLeastOnce {
		return p.conn.Consume(e.Stream, provision.ConsumerName(p.serviceName, e))
	}
	return p.conn.Subscribe(e.Subject, e.QueueGroup)
}

func (p *Pipeline) process(ctx context.Context, e *endpoint.Endpoint, h Handler, d *broker.Delivery) {
	env := envelope.FromWire(d.Data, d.Headers)
	env.SetDeliveryAttempt(d.Attempt)

	done, err := p.breakerFor(e).Allow()
	if err != nil {
		// Open circuit: hand the delivery back to the broker un-acked so it
		// redelivers once the pause elapses.
		p.metrics.observeDelivery(e.Subject, OutcomeRejected)
		if nakErr := d.Nak(e.PauseTime); nakErr != nil {
			p.logger.Error("Failed to nak while circuit open", nakErr, logging.LogFields{
				"subject": e.Subject,
			})
		}
		return
	}

	handlerErr := p.invoke(ctx, e, h, env)
	done(handlerErr == nil)

	switch {
	case handlerErr == nil:
		if err := d.Ack(); err != nil {
			p.logger.Error("Failed to ack delivery", err, logging.LogFields{"subject": e.Subject})
			return
		}
		p.metrics.observeDelivery(e.Subject, OutcomeAck)

	case e.Guarantee != endpoint.AtLeastOnce:
		// Fire-and-forget has no redelivery and no dead-letter path. The
		// failure is logged and the message is gone.
		p.metrics.observeDelivery(e.Subject, OutcomeDropped)
		p.logger.Error("Handler failed on at-most-once endpoint", handlerErr, logging.LogFields{
			"subject": e.Subject,
		})

	case IsFatal(handlerErr):
		p.deadLetter(ctx, e, env, handlerErr, d)

	case d.Attempt >= e.DeadLetterAttempts():
		p.deadLetter(ctx, e, env, handlerErr, d)

	default:
		delay := p.backoff.Delay(d.Attempt)
		if err := d.Nak(delay); err != nil {
			p.logger.Error("Failed to nak delivery", err, logging.LogFields{"subject": e.Subject})
			return
		}
		p.metrics.observeDelivery(e.Subject, OutcomeRetry)
		p.logger.Debug("Delivery scheduled for retry", logging.LogFields{
			"subject": e.Subject,
			"attempt": d.Attempt,
			"delay":   delay.String(),
		})
	}
}

func (p *Pipeline) invoke(ctx context.Context, e *endpoint.Endpoint, h Handler, env *envelope.Envelope) error {
	if e.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.ExecutionTimeout)
		defer cancel()
	}

	ctx, span := p.tracer.Start(ctx, "natsbind.deliver "+e.Subject,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", e.Subject),
			attribute.String("messaging.message_type", env.MessageType),
			attribute.Int("messaging.delivery_attempt", env.DeliveryAttempt()),
		),
	)
	defer span.End()

	start := time.Now()
	err := h(ctx, env)
	p.metrics.observeHandlerDuration(e.Subject, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// deadLetter routes an exhausted or fatally failed delivery to the
// endpoint's dead-letter subject (or the generic error queue) and terminates
// it so the broker never redelivers. The dead-letter copy carries the final
// attempt count, the last failure reason, and the origin subject.
func (p *Pipeline) deadLetter(ctx context.Context, e *endpoint.Endpoint, env *envelope.Envelope, cause error, d *broker.Delivery) {
	dest := p.errorQueue
	if e.DeadLetter.Enabled {
		dest = e.DeadLetterSubject()
	}

	copied := env.Clone()
	copied.SetHeader(envelope.HeaderLastError, cause.Error())
	copied.SetHeader(envelope.HeaderOriginSubject, e.Subject)

	if err := p.conn.PublishPersistent(ctx, dest, copied.Payload, copied.WireHeaders()); err != nil {
		// The dead-letter copy must not be lost: keep the original with the
		// broker and try again on redelivery.
		p.logger.Error("Failed to publish dead-letter copy", err, logging.LogFields{
			"subject":     e.Subject,
			"destination": dest,
		})
		if nakErr := d.Nak(p.backoff.Delay(d.Attempt)); nakErr != nil {
			p.logger.Error("Failed to nak after dead-letter publish failure", nakErr, logging.LogFields{
				"subject": e.Subject,
			})
		}
		return
	}

	if err := d.Term(); err != nil {
		p.logger.Error("Failed to terminate dead-lettered delivery", err, logging.LogFields{
			"subject": e.Subject,
		})
	}

	p.metrics.observeDelivery(e.Subject, OutcomeDeadLetter)
	p.metrics.observeDeadLetter(e.Subject)
	p.logger.Info("Message dead-lettered", logging.LogFields{
		"subject":     e.Subject,
		"destination": dest,
		"attempt":     d.Attempt,
		"reason":      cause.Error(),
	})
}
