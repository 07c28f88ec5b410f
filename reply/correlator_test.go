package reply

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/natsbind/endpoint"
	"github.com/drblury/natsbind/envelope"
	"github.com/drblury/natsbind/internal/brokertest"
	"github.com/drblury/natsbind/internal/logging"
)

func TestRequestTimesOut(t *testing.T) {
	conn := brokertest.NewFakeConn()
	c := NewCorrelator(conn, "billing", logging.Nop())

	start := time.Now()
	_, err := c.Request(context.Background(), "orders.lookup", envelope.New("OrderLookup", nil), 100*time.Millisecond)
	elapsed := time.Since(start)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "orders.lookup", timeout.Subject)
	assert.NotEmpty(t, timeout.CorrelationID)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond)

	assert.Zero(t, c.Pending(), "timed-out waiter is removed")
}

func TestRequestResolvedByReply(t *testing.T) {
	conn := brokertest.NewFakeConn()
	c := NewCorrelator(conn, "billing", logging.Nop())

	type result struct {
		rep *envelope.Envelope
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		rep, err := c.Request(context.Background(), "orders.lookup", envelope.New("OrderLookup", []byte(`{"id":7}`)), time.Second)
		resultCh <- result{rep, err}
	}()

	// Wait for the request to hit the wire and pick up its correlation id.
	var correlationID string
	require.Eventually(t, func() bool {
		published := conn.PublishedTo("orders.lookup")
		if len(published) == 0 {
			return false
		}
		correlationID = published[0].Headers[envelope.HeaderCorrelationID]
		return correlationID != ""
	}, time.Second, 5*time.Millisecond)

	published := conn.PublishedTo("orders.lookup")[0]
	assert.Equal(t, c.Inbox(), published.Headers[envelope.HeaderReplyTo])

	reply := envelope.New("OrderFound", []byte(`{"id":7,"status":"paid"}`))
	reply.SetHeader(envelope.HeaderCorrelationID, correlationID)
	require.NoError(t, c.HandleReply(context.Background(), reply))

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, "OrderFound", res.rep.MessageType)
		assert.JSONEq(t, `{"id":7,"status":"paid"}`, string(res.rep.Payload))
	case <-time.After(time.Second):
		t.Fatal("request did not resolve")
	}
}

func TestConcurrentRequestsResolveIndependently(t *testing.T) {
	conn := brokertest.NewFakeConn()
	c := NewCorrelator(conn, "billing", logging.Nop())

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "orders.lookup", envelope.New("OrderLookup", nil), 150*time.Millisecond)
		firstErr <- err
	}()
	secondRep := make(chan *envelope.Envelope, 1)
	go func() {
		rep, err := c.Request(context.Background(), "orders.lookup", envelope.New("OrderLookup", nil), time.Second)
		assert.NoError(t, err)
		secondRep <- rep
	}()

	require.Eventually(t, func() bool {
		return len(conn.PublishedTo("orders.lookup")) == 2
	}, time.Second, 5*time.Millisecond)

	// Resolve only the second request; the first must still time out.
	ids := make(map[string]bool)
	for _, m := range conn.PublishedTo("orders.lookup") {
		ids[m.Headers[envelope.HeaderCorrelationID]] = true
	}
	require.Len(t, ids, 2, "concurrent requests use distinct correlation ids")

	err := <-firstErr
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)

	reply := envelope.New("OrderFound", nil)
	for id := range ids {
		if id != timeout.CorrelationID {
			reply.SetHeader(envelope.HeaderCorrelationID, id)
		}
	}
	require.NoError(t, c.HandleReply(context.Background(), reply))

	select {
	case rep := <-secondRep:
		assert.Equal(t, "OrderFound", rep.MessageType)
	case <-time.After(time.Second):
		t.Fatal("second request did not resolve")
	}
}

func TestLateReplyIsDiscarded(t *testing.T) {
	conn := brokertest.NewFakeConn()
	c := NewCorrelator(conn, "billing", logging.Nop())

	late := envelope.New("OrderFound", nil)
	late.SetHeader(envelope.HeaderCorrelationID, "01ARZ3NDEKTSV4RRFFQ69G5FAV")

	assert.NoError(t, c.HandleReply(context.Background(), late), "late replies are a timeout race, not a fault")
	assert.Zero(t, c.Pending())
}

func TestRespondPublishesToReplyTo(t *testing.T) {
	conn := brokertest.NewFakeConn()
	c := NewCorrelator(conn, "billing", logging.Nop())

	request := envelope.New("OrderLookup", nil)
	request.SetHeader(envelope.HeaderCorrelationID, "corr-1")
	request.SetHeader(envelope.HeaderReplyTo, "reply.gateway.01ARZ3NDEKTSV4RRFFQ69G5FAV")

	err := c.Respond(context.Background(), request, envelope.New("OrderFound", []byte("{}")))
	require.NoError(t, err)

	published := conn.PublishedTo("reply.gateway.01ARZ3NDEKTSV4RRFFQ69G5FAV")
	require.Len(t, published, 1)
	assert.Equal(t, "corr-1", published[0].Headers[envelope.HeaderCorrelationID])
	assert.Equal(t, "OrderFound", published[0].Headers[envelope.HeaderMessageType])
}

func TestRespondRequiresReplyTo(t *testing.T) {
	conn := brokertest.NewFakeConn()
	c := NewCorrelator(conn, "billing", logging.Nop())

	err := c.Respond(context.Background(), envelope.New("OrderLookup", nil), envelope.New("OrderFound", nil))
	assert.Error(t, err)
	assert.Empty(t, conn.Published())
}

func TestInboxEndpointIsSystemScoped(t *testing.T) {
	conn := brokertest.NewFakeConn()
	c := NewCorrelator(conn, "billing.service", logging.Nop())

	e := c.InboxEndpoint()
	assert.Equal(t, endpoint.RoleSystem, e.Role)
	assert.Equal(t, endpoint.ModeInline, e.Mode)
	assert.Equal(t, c.Inbox(), e.Subject)
	assert.NoError(t, e.Validate(), "flattened service name yields a valid subject")
}
