// Package reply implements request/reply correlation over the message bus.
// Each process owns one reply inbox subject; requests carry a correlation id
// and the inbox as their reply-to, and a waiter table matches incoming replies
// back to the blocked caller.
package reply

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drblury/natsbind/broker"
	"github.com/drblury/natsbind/endpoint"
	"github.com/drblury/natsbind/envelope"
	"github.com/drblury/natsbind/internal/ids"
	"github.com/drblury/natsbind/internal/logging"
)

// InboxSubjectPrefix prefixes every per-process reply inbox subject.
const InboxSubjectPrefix = "reply."

// TimeoutError reports that a request received no reply within its deadline.
// The caller decides whether to retry; the correlator never retries on its
// own.
type TimeoutError struct {
	Subject       string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %q timed out after %s (correlation id %s)",
		e.Subject, e.Timeout, e.CorrelationID)
}

// InboxSubject derives the reply inbox subject for one process instance.
// Dots in the service name would create extra subject tokens, so they are
// flattened.
func InboxSubject(serviceName, instanceID string) string {
	return InboxSubjectPrefix + strings.ReplaceAll(serviceName, ".", "-") + "." + instanceID
}

// Correlator matches reply envelopes to pending requests. Waiters live in a
// sync.Map keyed by correlation id, so concurrent requests from many
// goroutines never contend on a shared lock.
type Correlator struct {
	conn       broker.Conn
	logger     logging.ServiceLogger
	instanceID string
	inbox      string

	waiters sync.Map // correlation id -> chan *envelope.Envelope
}

// NewCorrelator builds a correlator with a fresh instance-scoped reply inbox.
func NewCorrelator(conn broker.Conn, serviceName string, logger logging.ServiceLogger) *Correlator {
	if logger == nil {
		logger = logging.Nop()
	}
	instanceID := ids.NewULID()
	return &Correlator{
		conn:       conn,
		logger:     logger,
		instanceID: instanceID,
		inbox:      InboxSubject(serviceName, instanceID),
	}
}

// Inbox returns the reply inbox subject owned by this process.
func (c *Correlator) Inbox() string { return c.inbox }

// InstanceID returns the unique id of this process instance.
func (c *Correlator) InstanceID() string { return c.instanceID }

// InboxEndpoint returns the listener endpoint for the reply inbox. It is a
// system endpoint so application-level policies leave it alone, and it runs
// inline: resolving a waiter is a channel send, not work worth a pool.
func (c *Correlator) InboxEndpoint() *endpoint.Endpoint {
	return endpoint.New(endpoint.DirectionListener, c.inbox,
		endpoint.WithRole(endpoint.RoleSystem),
		endpoint.WithMode(endpoint.ModeInline),
	)
}

// Request publishes env to subject and blocks until a reply carrying the same
// correlation id arrives, the timeout elapses, or ctx is cancelled. Replies
// are ephemeral, so the request goes out fire-and-forget. Concurrent requests
// use distinct correlation ids and do not block one another.
func (c *Correlator) Request(ctx context.Context, subject string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	correlationID := ids.NewULID()

	waiter := make(chan *envelope.Envelope, 1)
	c.waiters.Store(correlationID, waiter)
	defer c.waiters.Delete(correlationID)

	req := env.Clone()
	req.SetHeader(envelope.HeaderCorrelationID, correlationID)
	req.SetHeader(envelope.HeaderReplyTo, c.inbox)

	if err := c.conn.Publish(ctx, subject, req.Payload, req.WireHeaders()); err != nil {
		return nil, fmt.Errorf("publish request to %q failed: %w", subject, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep := <-waiter:
		return rep, nil
	case <-timer.C:
		return nil, &TimeoutError{
			Subject:       subject,
			CorrelationID: correlationID,
			Timeout:       timeout,
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleReply is the handler behind the inbox endpoint. A reply whose waiter
// is gone is a normal timeout race, not a fault: it is discarded with a debug
// log and acknowledged.
func (c *Correlator) HandleReply(ctx context.Context, env *envelope.Envelope) error {
	correlationID := env.CorrelationID()
	if correlationID == "" {
		c.logger.Debug("Discarding reply without correlation id", logging.LogFields{
			"inbox": c.inbox,
		})
		return nil
	}

	v, ok := c.waiters.Load(correlationID)
	if !ok {
		c.logger.Debug("Discarding late reply", logging.LogFields{
			"inbox":          c.inbox,
			"correlation_id": correlationID,
		})
		return nil
	}

	select {
	case v.(chan *envelope.Envelope) <- env:
	default:
		// Waiter already resolved; duplicate reply.
	}
	return nil
}

// Respond publishes a reply for a received request, carrying the request's
// correlation id back to its reply-to subject.
func (c *Correlator) Respond(ctx context.Context, request, response *envelope.Envelope) error {
	replyTo := request.ReplyTo()
	if replyTo == "" {
		return fmt.Errorf("request has no reply-to subject")
	}

	rep := response.Clone()
	rep.SetHeader(envelope.HeaderCorrelationID, request.CorrelationID())
	if err := c.conn.Publish(ctx, replyTo, rep.Payload, rep.WireHeaders()); err != nil {
		return fmt.Errorf("publish reply to %q failed: %w", replyTo, err)
	}
	return nil
}

// Pending returns the number of requests still waiting for a reply.
func (c *Correlator) Pending() int {
	n := 0
	c.waiters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
