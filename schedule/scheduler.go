// Package schedule emulates delayed delivery on a broker that has none. A
// scheduled send travels immediately as a wrapper envelope with a reserved
// message type; the receiving side intercepts the wrapper before handler
// dispatch and holds the inner envelope on a local timer until its delivery
// time has passed.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/natsbind/envelope"
	"github.com/drblury/natsbind/internal/ids"
	"github.com/drblury/natsbind/internal/jsoncodec"
	"github.com/drblury/natsbind/internal/logging"
	"github.com/drblury/natsbind/pipeline"
)

// Wrap embeds inner into a scheduled wrapper envelope carrying deliverAt.
// The wrapper is transport-internal and must never reach an application
// handler.
func Wrap(inner *envelope.Envelope, deliverAt time.Time) (*envelope.Envelope, error) {
	payload, err := jsoncodec.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("encode scheduled envelope: %w", err)
	}
	w := envelope.New(envelope.ScheduledMessageType, payload)
	w.SetDeliverAt(deliverAt)
	return w, nil
}

// Unwrap extracts the inner envelope and delivery time from a wrapper.
func Unwrap(wrapper *envelope.Envelope) (*envelope.Envelope, time.Time, error) {
	if !wrapper.IsScheduled() {
		return nil, time.Time{}, fmt.Errorf("envelope of type %q is not a scheduled wrapper", wrapper.MessageType)
	}
	var inner envelope.Envelope
	if err := jsoncodec.Unmarshal(wrapper.Payload, &inner); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode scheduled envelope: %w", err)
	}
	at, ok := wrapper.DeliverAt()
	if !ok {
		return nil, time.Time{}, fmt.Errorf("scheduled envelope carries no deliver-at timestamp")
	}
	return &inner, at, nil
}

// Scheduler holds intercepted inner envelopes on local timers until their
// delivery time. It owns every timer it creates: Close stops them all
// deterministically, so no callback fires after shutdown.
type Scheduler struct {
	logger logging.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler builds an empty scheduler.
func NewScheduler(logger logging.ServiceLogger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}
}

// Intercept wraps a handler so scheduled wrappers are diverted onto timers
// instead of being dispatched. Ordinary envelopes pass straight through. A
// wrapper that cannot be decoded is a fatal delivery failure: retrying will
// not fix a malformed payload.
func (s *Scheduler) Intercept(h pipeline.Handler) pipeline.Handler {
	return func(ctx context.Context, env *envelope.Envelope) error {
		if !env.IsScheduled() {
			return h(ctx, env)
		}

		inner, at, err := Unwrap(env)
		if err != nil {
			return pipeline.Fatal(err)
		}

		s.hold(inner, at, h)
		return nil
	}
}

// hold arms a timer that hands the inner envelope to h once at has passed.
// Past-due envelopes fire immediately. Acking the wrapper transferred
// ownership to this process, so a handler failure after the timer fires is
// logged rather than redelivered.
func (s *Scheduler) hold(inner *envelope.Envelope, at time.Time, h pipeline.Handler) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("Dropping scheduled envelope on closed scheduler", logging.LogFields{
			"message_type": inner.MessageType,
		})
		return
	}

	entryID := ids.NewULID()
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.wg.Add(1)
	s.timers[entryID] = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, entryID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		if err := h(s.ctx, inner); err != nil {
			s.logger.Error("Scheduled envelope handler failed", err, logging.LogFields{
				"message_type": inner.MessageType,
				"deliver_at":   at.Format(time.RFC3339),
			})
		}
	})
	s.mu.Unlock()

	s.logger.Debug("Envelope scheduled for delayed delivery", logging.LogFields{
		"message_type": inner.MessageType,
		"deliver_at":   at.Format(time.RFC3339),
		"delay":        delay.String(),
	})
}

// Pending returns the number of envelopes still waiting on timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every pending timer and waits for callbacks already running
// to return. Envelopes still pending are dropped; their wrapper was durable
// on the broker side only until it was acknowledged, so redelivery semantics
// for not-yet-due messages end at process shutdown.
func (s *Scheduler) Close() {
	s.cancel()

	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		if t.Stop() {
			// Callback will never run; release its wait slot.
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
