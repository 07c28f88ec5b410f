// Package brokertest provides an in-memory broker.Conn for package tests.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drblury/natsbind/broker"
)

// PublishedMsg records one outbound publish.
type PublishedMsg struct {
	Subject    string
	Data       []byte
	Headers    broker.Headers
	Persistent bool
}

// FakeConn is an in-memory broker.Conn. Core subscriptions are keyed by
// subject, durable subscriptions by consumer name. Publishes loop back to the
// subscription under the subject key; the channel is created on first use, so
// messages published before a listener subscribes are buffered rather than
// dropped.
type FakeConn struct {
	mu        sync.Mutex
	published []PublishedMsg
	subs      map[string]*FakeSubscription
	closed    bool

	Streams   map[string]*broker.StreamConfig
	Consumers map[string]broker.ConsumerConfig

	// PublishErr, when set, fails every publish.
	PublishErr error

	// StreamErr, when set, fails every stream and consumer operation.
	StreamErr error
}

// NewFakeConn returns an empty fake broker.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		subs:      make(map[string]*FakeSubscription),
		Streams:   make(map[string]*broker.StreamConfig),
		Consumers: make(map[string]broker.ConsumerConfig),
	}
}

// Published returns a copy of everything published so far.
func (c *FakeConn) Published() []PublishedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PublishedMsg, len(c.published))
	copy(out, c.published)
	return out
}

// PublishedTo returns the publishes targeting one subject.
func (c *FakeConn) PublishedTo(subject string) []PublishedMsg {
	var out []PublishedMsg
	for _, m := range c.Published() {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func (c *FakeConn) publish(subject string, data []byte, headers broker.Headers, persistent bool) error {
	c.mu.Lock()
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return err
	}
	c.published = append(c.published, PublishedMsg{
		Subject:    subject,
		Data:       data,
		Headers:    headers,
		Persistent: persistent,
	})
	sub := c.subscriptionLocked(subject)
	c.mu.Unlock()

	sub.Push(broker.NewDelivery(subject, data, headers, 1, &FakeAcker{}))
	return nil
}

func (c *FakeConn) Publish(ctx context.Context, subject string, data []byte, headers broker.Headers) error {
	return c.publish(subject, data, headers, false)
}

func (c *FakeConn) PublishPersistent(ctx context.Context, subject string, data []byte, headers broker.Headers) error {
	return c.publish(subject, data, headers, true)
}

func (c *FakeConn) Subscribe(subject, queueGroup string) (broker.Subscription, error) {
	return c.subscription(subject), nil
}

func (c *FakeConn) Consume(stream, consumer string) (broker.Subscription, error) {
	return c.subscription(consumer), nil
}

// Deliver feeds a delivery to the subscription registered under key (subject
// for core subscriptions, consumer name for durable ones). The subscription
// channel is created on demand, so tests may deliver before the listener has
// subscribed.
func (c *FakeConn) Deliver(key string, d *broker.Delivery) {
	c.subscription(key).Push(d)
}

func (c *FakeConn) subscription(key string) *FakeSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionLocked(key)
}

func (c *FakeConn) subscriptionLocked(key string) *FakeSubscription {
	sub, ok := c.subs[key]
	if !ok {
		sub = &FakeSubscription{ch: make(chan *broker.Delivery, 256)}
		c.subs[key] = sub
	}
	return sub
}

func (c *FakeConn) StreamInfo(ctx context.Context, name string) (*broker.StreamConfig, error) {
	if c.StreamErr != nil {
		return nil, c.StreamErr
	}
	cfg, ok := c.Streams[name]
	if !ok {
		return nil, broker.ErrStreamNotFound
	}
	copied := *cfg
	return &copied, nil
}

func (c *FakeConn) CreateStream(ctx context.Context, cfg broker.StreamConfig) error {
	if c.StreamErr != nil {
		return c.StreamErr
	}
	c.Streams[cfg.Name] = &cfg
	return nil
}

func (c *FakeConn) UpdateStreamSubjects(ctx context.Context, name string, filters []string) error {
	cfg, ok := c.Streams[name]
	if !ok {
		return broker.ErrStreamNotFound
	}
	cfg.SubjectFilters = filters
	return nil
}

func (c *FakeConn) EnsureConsumer(ctx context.Context, cfg broker.ConsumerConfig) error {
	c.Consumers[cfg.Name] = cfg
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeSubscription yields deliveries pushed by the test.
type FakeSubscription struct {
	ch     chan *broker.Delivery
	closed sync.Once
	done   chan struct{}
	init   sync.Once
}

func (s *FakeSubscription) doneCh() chan struct{} {
	s.init.Do(func() { s.done = make(chan struct{}) })
	return s.done
}

// Push enqueues a delivery.
func (s *FakeSubscription) Push(d *broker.Delivery) {
	s.ch <- d
}

func (s *FakeSubscription) Next(ctx context.Context) (*broker.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh():
		return nil, errors.New("subscription closed")
	case d := <-s.ch:
		return d, nil
	}
}

func (s *FakeSubscription) Close() error {
	s.closed.Do(func() { close(s.doneCh()) })
	return nil
}

// FakeAcker records the acknowledgment outcome of one delivery.
type FakeAcker struct {
	mu        sync.Mutex
	acked     bool
	termed    bool
	nakDelays []time.Duration

	// NakErr, when set, is returned by Nak after recording the delay.
	NakErr error
}

func (a *FakeAcker) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
	return nil
}

func (a *FakeAcker) Nak(delay time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nakDelays = append(a.nakDelays, delay)
	return a.NakErr
}

func (a *FakeAcker) Term() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.termed = true
	return nil
}

// Acked reports whether the delivery was acknowledged.
func (a *FakeAcker) Acked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked
}

// Terminated reports whether the delivery was terminated.
func (a *FakeAcker) Terminated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.termed
}

// NakDelays returns the delays of every negative acknowledgment.
func (a *FakeAcker) NakDelays() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]time.Duration, len(a.nakDelays))
	copy(out, a.nakDelays)
	return out
}
