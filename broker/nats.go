package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/drblury/natsbind/internal/logging"
)

const (
	// DefaultAckWait is the redelivery window granted to handlers before the
	// broker assumes the delivery was lost.
	DefaultAckWait = 30 * time.Second

	fetchBatchSize = 10
	fetchMaxWait   = time.Second
)

// NATSConn implements Conn over a core NATS connection plus its JetStream
// context.
type NATSConn struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger logging.ServiceLogger

	closed   bool
	closedMu sync.Mutex
}

// Connect dials the broker and initialises the JetStream context.
func Connect(url string, logger logging.ServiceLogger) (*NATSConn, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSConn{nc: nc, js: js, logger: logger}, nil
}

func (c *NATSConn) Publish(ctx context.Context, subject string, data []byte, headers Headers) error {
	return c.nc.PublishMsg(natsMsg(subject, data, headers))
}

func (c *NATSConn) PublishPersistent(ctx context.Context, subject string, data []byte, headers Headers) error {
	_, err := c.js.PublishMsg(natsMsg(subject, data, headers), nats.Context(ctx))
	return err
}

func natsMsg(subject string, data []byte, headers Headers) *nats.Msg {
	h := nats.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &nats.Msg{Subject: subject, Data: data, Header: h}
}

func (c *NATSConn) Subscribe(subject, queueGroup string) (Subscription, error) {
	var sub *nats.Subscription
	var err error
	if queueGroup != "" {
		sub, err = c.nc.QueueSubscribeSync(subject, queueGroup)
	} else {
		sub, err = c.nc.SubscribeSync(subject)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", subject, err)
	}
	return &coreSubscription{sub: sub}, nil
}

func (c *NATSConn) Consume(stream, consumer string) (Subscription, error) {
	sub, err := c.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to bind consumer %q on stream %q: %w", consumer, stream, err)
	}
	return &pullSubscription{sub: sub, logger: c.logger}, nil
}

func (c *NATSConn) StreamInfo(ctx context.Context, name string) (*StreamConfig, error) {
	info, err := c.js.StreamInfo(name, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, err
	}
	return streamConfigFromNATS(info.Config), nil
}

func (c *NATSConn) CreateStream(ctx context.Context, cfg StreamConfig) error {
	_, err := c.js.AddStream(streamConfigToNATS(cfg), nats.Context(ctx))
	return err
}

func (c *NATSConn) UpdateStreamSubjects(ctx context.Context, name string, filters []string) error {
	info, err := c.js.StreamInfo(name, nats.Context(ctx))
	if err != nil {
		return err
	}
	cfg := info.Config
	cfg.Subjects = filters
	_, err = c.js.UpdateStream(&cfg, nats.Context(ctx))
	return err
}

func (c *NATSConn) EnsureConsumer(ctx context.Context, cfg ConsumerConfig) error {
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = DefaultAckWait
	}
	consumerCfg := &nats.ConsumerConfig{
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckWait:       ackWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	_, err := c.js.AddConsumer(cfg.Stream, consumerCfg, nats.Context(ctx))
	if err != nil {
		_, err = c.js.UpdateConsumer(cfg.Stream, consumerCfg, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to create consumer %q: %w", cfg.Name, err)
		}
	}
	return nil
}

func (c *NATSConn) Close() error {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.nc.Close()
	return nil
}

func streamConfigToNATS(cfg StreamConfig) *nats.StreamConfig {
	out := &nats.StreamConfig{
		Name:     cfg.Name,
		Subjects: cfg.SubjectFilters,
		MaxMsgs:  cfg.MaxMessages,
		MaxBytes: cfg.MaxBytes,
		MaxAge:   cfg.MaxAge,
		Replicas: cfg.Replicas,
	}
	switch cfg.Retention {
	case RetentionInterest:
		out.Retention = nats.InterestPolicy
	case RetentionWorkQueue:
		out.Retention = nats.WorkQueuePolicy
	default:
		out.Retention = nats.LimitsPolicy
	}
	if out.Replicas <= 0 {
		out.Replicas = 1
	}
	return out
}

func streamConfigFromNATS(cfg nats.StreamConfig) *StreamConfig {
	out := &StreamConfig{
		Name:           cfg.Name,
		SubjectFilters: cfg.Subjects,
		MaxMessages:    cfg.MaxMsgs,
		MaxBytes:       cfg.MaxBytes,
		MaxAge:         cfg.MaxAge,
		Replicas:       cfg.Replicas,
	}
	switch cfg.Retention {
	case nats.InterestPolicy:
		out.Retention = RetentionInterest
	case nats.WorkQueuePolicy:
		out.Retention = RetentionWorkQueue
	default:
		out.Retention = RetentionLimits
	}
	return out
}

// coreSubscription adapts a core NATS subscription. Core deliveries have no
// acknowledgment protocol, so the acker is nil.
type coreSubscription struct {
	sub *nats.Subscription
}

func (s *coreSubscription) Next(ctx context.Context) (*Delivery, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return NewDelivery(msg.Subject, msg.Data, headersFromNATS(msg.Header), 1, nil), nil
}

func (s *coreSubscription) Close() error {
	return s.sub.Unsubscribe()
}

// pullSubscription adapts a JetStream pull subscription, buffering fetched
// batches between Next calls.
type pullSubscription struct {
	sub    *nats.Subscription
	logger logging.ServiceLogger

	pending []*nats.Msg
}

func (s *pullSubscription) Next(ctx context.Context) (*Delivery, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := s.sub.Fetch(fetchBatchSize, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, err
		}
		s.pending = msgs
	}

	msg := s.pending[0]
	s.pending = s.pending[1:]

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	} else if s.logger != nil {
		s.logger.Error("Failed to read delivery metadata", err, logging.LogFields{
			"subject": msg.Subject,
		})
	}

	return NewDelivery(msg.Subject, msg.Data, headersFromNATS(msg.Header), attempt, jsAcker{msg: msg}), nil
}

func (s *pullSubscription) Close() error {
	return s.sub.Unsubscribe()
}

type jsAcker struct {
	msg *nats.Msg
}

func (a jsAcker) Ack() error { return a.msg.Ack() }

func (a jsAcker) Nak(delay time.Duration) error {
	if delay <= 0 {
		return a.msg.Nak()
	}
	return a.msg.NakWithDelay(delay)
}

func (a jsAcker) Term() error { return a.msg.Term() }

func headersFromNATS(h nats.Header) Headers {
	if len(h) == 0 {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
