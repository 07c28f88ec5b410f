package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/natsbind/broker"
	"github.com/drblury/natsbind/endpoint"
	"github.com/drblury/natsbind/envelope"
	"github.com/drblury/natsbind/internal/brokertest"
	"github.com/drblury/natsbind/internal/logging"
)

func newTestPipeline(conn broker.Conn) *Pipeline {
	return New(conn, "svc", logging.Nop())
}

func testDelivery(subject string, attempt int, acker *brokertest.FakeAcker) *broker.Delivery {
	env := envelope.New("TestEvent", []byte(`{"n":1}`))
	return broker.NewDelivery(subject, env.Payload, broker.Headers(env.WireHeaders()), attempt, acker)
}

func durableListener(opts ...endpoint.Option) *endpoint.Endpoint {
	base := []endpoint.Option{
		endpoint.WithStream("ORDERS"),
		endpoint.WithDeadLetter(""),
		endpoint.WithMaxDeliveryAttempts(3),
		endpoint.WithExecutionTimeout(time.Second),
	}
	return endpoint.New(endpoint.DirectionListener, "orders.created", append(base, opts...)...)
}

func TestPublishAtMostOnce(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)

	e := endpoint.New(endpoint.DirectionSender, "metrics.tick")
	err := p.Publish(context.Background(), e, envelope.New("Tick", []byte("1")))
	require.NoError(t, err)

	published := conn.Published()
	require.Len(t, published, 1)
	assert.False(t, published[0].Persistent)
	assert.Equal(t, "Tick", published[0].Headers[envelope.HeaderMessageType])
}

func TestPublishAtLeastOnceIsPersistent(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)

	e := endpoint.New(endpoint.DirectionSender, "orders.created", endpoint.WithStream("ORDERS"))
	err := p.Publish(context.Background(), e, envelope.New("OrderCreated", []byte("{}")))
	require.NoError(t, err)

	published := conn.Published()
	require.Len(t, published, 1)
	assert.True(t, published[0].Persistent)
}

func TestPublishRespectsMessageTypeFilter(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)

	e := endpoint.New(endpoint.DirectionSender, "orders.created")
	e.MessageTypeFilter = "OrderCreated"

	err := p.Publish(context.Background(), e, envelope.New("SomethingElse", nil))
	assert.Error(t, err)
	assert.Empty(t, conn.Published())
}

func TestPublishFailsFastWhenCircuitOpen(t *testing.T) {
	conn := brokertest.NewFakeConn()
	conn.PublishErr = errors.New("connection reset")
	p := newTestPipeline(conn)

	e := endpoint.New(endpoint.DirectionSender, "orders.created",
		endpoint.WithBreaker(1, time.Minute))

	err := p.Publish(context.Background(), e, envelope.New("OrderCreated", nil))
	require.Error(t, err)
	assert.NotErrorAs(t, err, new(*CircuitOpenError), "first failure is a transport error")

	err = p.Publish(context.Background(), e, envelope.New("OrderCreated", nil))
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "orders.created", open.Subject)
}

func TestTransientFailureNaksWithCooldown(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)
	e := durableListener()

	handler := func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("downstream unavailable")
	}

	first := &brokertest.FakeAcker{}
	p.process(context.Background(), e, handler, testDelivery(e.Subject, 1, first))
	require.Equal(t, []time.Duration{5 * time.Second}, first.NakDelays())
	assert.False(t, first.Acked())

	second := &brokertest.FakeAcker{}
	p.process(context.Background(), e, handler, testDelivery(e.Subject, 2, second))
	require.Equal(t, []time.Duration{10 * time.Second}, second.NakDelays())

	assert.Empty(t, conn.Published(), "no dead-letter before the budget runs out")
}

func TestExhaustionDeadLettersExactlyOnce(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)
	e := durableListener()

	handler := func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("still broken")
	}

	acker := &brokertest.FakeAcker{}
	p.process(context.Background(), e, handler, testDelivery(e.Subject, 3, acker))

	deadLettered := conn.PublishedTo("dead-letter.orders.created")
	require.Len(t, deadLettered, 1)
	assert.True(t, deadLettered[0].Persistent)
	assert.Equal(t, strconv.Itoa(e.MaxDeliveryAttempts), deadLettered[0].Headers[envelope.HeaderDeliveryAttempt])
	assert.Equal(t, "orders.created", deadLettered[0].Headers[envelope.HeaderOriginSubject])
	assert.Contains(t, deadLettered[0].Headers[envelope.HeaderLastError], "still broken")

	assert.True(t, acker.Terminated(), "terminated so the broker never redelivers")
	assert.Empty(t, acker.NakDelays())
}

func TestFatalFailureBypassesRetries(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)
	e := durableListener()

	handler := func(ctx context.Context, env *envelope.Envelope) error {
		return Fatal(errors.New("malformed payload"))
	}

	acker := &brokertest.FakeAcker{}
	p.process(context.Background(), e, handler, testDelivery(e.Subject, 1, acker))

	require.Len(t, conn.PublishedTo("dead-letter.orders.created"), 1)
	assert.True(t, acker.Terminated())
	assert.Empty(t, acker.NakDelays())
}

func TestAtMostOnceNeverDeadLetters(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)

	e := endpoint.New(endpoint.DirectionListener, "metrics.tick", endpoint.WithDeadLetter(""))
	handler := func(ctx context.Context, env *envelope.Envelope) error {
		return Fatal(errors.New("boom"))
	}

	p.process(context.Background(), e, handler, testDelivery(e.Subject, 1, &brokertest.FakeAcker{}))

	assert.Empty(t, conn.Published(), "fire-and-forget endpoints drop failures")
}

func TestDisabledDeadLetterRoutesToErrorQueue(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)

	e := durableListener(endpoint.WithoutDeadLetter())
	handler := func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("broken")
	}

	p.process(context.Background(), e, handler, testDelivery(e.Subject, 3, &brokertest.FakeAcker{}))

	require.Len(t, conn.PublishedTo(DefaultErrorQueue), 1)
}

func TestDeadLetterBudgetOverrideExtendsRetries(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)

	e := durableListener()
	e.DeadLetter.MaxDeliveryAttempts = 10

	handler := func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("still broken")
	}

	// The base attempt budget is 3, but the dead-letter override raises the
	// threshold: attempt 3 retries instead of dead-lettering.
	midway := &brokertest.FakeAcker{}
	p.process(context.Background(), e, handler, testDelivery(e.Subject, 3, midway))
	assert.Empty(t, conn.Published())
	assert.Len(t, midway.NakDelays(), 1)
	assert.False(t, midway.Terminated())

	last := &brokertest.FakeAcker{}
	p.process(context.Background(), e, handler, testDelivery(e.Subject, 10, last))

	deadLettered := conn.PublishedTo("dead-letter.orders.created")
	require.Len(t, deadLettered, 1)
	assert.Equal(t, "10", deadLettered[0].Headers[envelope.HeaderDeliveryAttempt])
	assert.True(t, last.Terminated())
}

func TestDeadLetterPublishFailureKeepsMessage(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)
	e := durableListener()

	handler := func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("broken")
	}

	conn.PublishErr = errors.New("broker unavailable")
	acker := &brokertest.FakeAcker{}
	p.process(context.Background(), e, handler, testDelivery(e.Subject, 3, acker))

	assert.False(t, acker.Terminated(), "message must stay with the broker")
	assert.Len(t, acker.NakDelays(), 1)
}

type captureLogger struct {
	mu       sync.Mutex
	errorMsg []string
}

func (c *captureLogger) With(fields logging.LogFields) logging.ServiceLogger { return c }
func (c *captureLogger) Debug(msg string, fields logging.LogFields)          {}
func (c *captureLogger) Info(msg string, fields logging.LogFields)           {}
func (c *captureLogger) Trace(msg string, fields logging.LogFields)          {}

func (c *captureLogger) Error(msg string, err error, fields logging.LogFields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorMsg = append(c.errorMsg, msg)
}

func (c *captureLogger) errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.errorMsg...)
}

func TestFailedNakAfterDeadLetterFailureIsLogged(t *testing.T) {
	conn := brokertest.NewFakeConn()
	conn.PublishErr = errors.New("broker unavailable")
	logger := &captureLogger{}
	p := New(conn, "svc", logger)
	e := durableListener()

	handler := func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("broken")
	}

	acker := &brokertest.FakeAcker{NakErr: errors.New("connection dropped")}
	p.process(context.Background(), e, handler, testDelivery(e.Subject, 3, acker))

	msgs := logger.errors()
	require.Len(t, msgs, 2, "both the publish failure and the nak failure are surfaced")
	assert.Contains(t, msgs[0], "dead-letter")
	assert.Contains(t, msgs[1], "nak")
}

func TestCircuitBreakerPausesEndpoint(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)

	pause := 100 * time.Millisecond
	e := durableListener(endpoint.WithBreaker(5, pause))

	var invocations atomic.Int32
	failing := func(ctx context.Context, env *envelope.Envelope) error {
		invocations.Add(1)
		return errors.New("handler down")
	}

	for i := 0; i < 5; i++ {
		p.process(context.Background(), e, failing, testDelivery(e.Subject, 1, &brokertest.FakeAcker{}))
	}
	require.EqualValues(t, 5, invocations.Load())

	// Circuit is now open: the next delivery is not dispatched, and goes
	// back to the broker with the pause as its redelivery delay.
	blocked := &brokertest.FakeAcker{}
	p.process(context.Background(), e, failing, testDelivery(e.Subject, 1, blocked))
	assert.EqualValues(t, 5, invocations.Load(), "no dispatch while open")
	require.Equal(t, []time.Duration{pause}, blocked.NakDelays())

	time.Sleep(pause + 20*time.Millisecond)

	// Half-open: exactly one probe goes through.
	var succeeded atomic.Int32
	succeeding := func(ctx context.Context, env *envelope.Envelope) error {
		succeeded.Add(1)
		return nil
	}
	probe := &brokertest.FakeAcker{}
	p.process(context.Background(), e, succeeding, testDelivery(e.Subject, 1, probe))
	assert.EqualValues(t, 1, succeeded.Load())
	assert.True(t, probe.Acked())

	// Probe success closed the circuit again.
	next := &brokertest.FakeAcker{}
	p.process(context.Background(), e, succeeding, testDelivery(e.Subject, 1, next))
	assert.True(t, next.Acked())
}

func TestCircuitBreakerReopensOnFailedProbe(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)

	pause := 80 * time.Millisecond
	e := durableListener(endpoint.WithBreaker(2, pause))

	failing := func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("handler down")
	}

	for i := 0; i < 2; i++ {
		p.process(context.Background(), e, failing, testDelivery(e.Subject, 1, &brokertest.FakeAcker{}))
	}

	time.Sleep(pause + 20*time.Millisecond)

	// Failed probe reopens the circuit immediately.
	p.process(context.Background(), e, failing, testDelivery(e.Subject, 2, &brokertest.FakeAcker{}))

	blocked := &brokertest.FakeAcker{}
	p.process(context.Background(), e, failing, testDelivery(e.Subject, 2, blocked))
	require.Equal(t, []time.Duration{pause}, blocked.NakDelays())
}

func TestRunListenerSequentialProcessing(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)

	e := durableListener(endpoint.WithSequential())
	consumer := "svc_orders_created"

	var inFlight, maxInFlight atomic.Int32
	var processed atomic.Int32
	handler := func(ctx context.Context, env *envelope.Envelope) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		processed.Add(1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, p.RunListener(ctx, e, handler))
	}()

	for i := 0; i < 6; i++ {
		conn.Deliver(consumer, testDelivery(e.Subject, 1, &brokertest.FakeAcker{}))
	}

	require.Eventually(t, func() bool { return processed.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, maxInFlight.Load(), "sequential endpoints never run handlers concurrently")

	cancel()
	wg.Wait()
}

func TestRunListenerParallelProcessing(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)

	e := durableListener(endpoint.WithMaxConcurrent(4))
	consumer := "svc_orders_created"

	var inFlight, maxInFlight atomic.Int32
	var processed atomic.Int32
	handler := func(ctx context.Context, env *envelope.Envelope) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		processed.Add(1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = p.RunListener(ctx, e, handler) }()

	for i := 0; i < 8; i++ {
		conn.Deliver(consumer, testDelivery(e.Subject, 1, &brokertest.FakeAcker{}))
	}

	require.Eventually(t, func() bool { return processed.Load() == 8 }, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, maxInFlight.Load(), int32(1), "queued endpoints dispatch concurrently")
	assert.LessOrEqual(t, maxInFlight.Load(), int32(4))
}

func TestRunListenerStopsOnContextCancel(t *testing.T) {
	conn := brokertest.NewFakeConn()
	p := newTestPipeline(conn)
	e := durableListener()

	ctx, cancel := context.WithCancel(context.Background())

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- p.RunListener(ctx, e, func(ctx context.Context, env *envelope.Envelope) error { return nil })
	}()

	cancel()

	select {
	case err := <-doneCh:
		assert.NoError(t, err, "cancellation is a graceful stop, not an error")
	case <-time.After(time.Second):
		t.Fatal("listener did not stop on context cancellation")
	}
}
