// Package envelope defines the transport-level wrapper around application
// messages: an opaque payload plus the routing and retry metadata that travels
// in broker headers.
package envelope

import (
	"maps"
	"strconv"
	"time"
)

// Wire header names. These are part of the public wire contract and must stay
// stable across versions.
const (
	HeaderMessageType     = "message-type"
	HeaderCorrelationID   = "correlation-id"
	HeaderReplyTo         = "reply-to"
	HeaderDeliveryAttempt = "delivery-attempt"
	HeaderScheduled       = "scheduled-envelope"
	HeaderDeliverAt       = "deliver-at"
	HeaderLastError       = "last-error"
	HeaderOriginSubject   = "origin-subject"
)

// ScheduledMessageType is the reserved discriminator for scheduled-send
// wrapper envelopes. It must never collide with an application message type
// and must never be dispatched to an application handler.
const ScheduledMessageType = "natsbind.scheduled-envelope"

// Envelope is the unit of wire transmission. The payload is opaque to the
// engine; all engine-relevant metadata lives in Headers.
type Envelope struct {
	MessageType string            `json:"message_type"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// New creates an Envelope for the given message type and payload.
func New(messageType string, payload []byte) *Envelope {
	return &Envelope{
		MessageType: messageType,
		Payload:     payload,
		Headers:     make(map[string]string),
	}
}

// Header returns the value for key, or "" when absent.
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets a header value, allocating the map when needed.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// CorrelationID returns the correlation id header, or "".
func (e *Envelope) CorrelationID() string {
	return e.Header(HeaderCorrelationID)
}

// ReplyTo returns the reply-to subject header, or "".
func (e *Envelope) ReplyTo() string {
	return e.Header(HeaderReplyTo)
}

// DeliveryAttempt returns the delivery attempt counter, defaulting to 1 when
// the header is missing or malformed.
func (e *Envelope) DeliveryAttempt() int {
	raw := e.Header(HeaderDeliveryAttempt)
	if raw == "" {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// SetDeliveryAttempt records the delivery attempt counter.
func (e *Envelope) SetDeliveryAttempt(n int) {
	e.SetHeader(HeaderDeliveryAttempt, strconv.Itoa(n))
}

// IsScheduled reports whether this envelope is a scheduled-send wrapper.
func (e *Envelope) IsScheduled() bool {
	return e.MessageType == ScheduledMessageType || e.Header(HeaderScheduled) != ""
}

// DeliverAt returns the scheduled delivery time carried in headers, and
// whether one was present and parseable.
func (e *Envelope) DeliverAt() (time.Time, bool) {
	raw := e.Header(HeaderDeliverAt)
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// SetDeliverAt records the scheduled delivery time (millisecond precision) and
// marks the envelope as a scheduled wrapper.
func (e *Envelope) SetDeliverAt(at time.Time) {
	e.SetHeader(HeaderScheduled, "1")
	e.SetHeader(HeaderDeliverAt, strconv.FormatInt(at.UnixMilli(), 10))
}

// Clone returns a deep copy. The pipeline clones before mutating attempt
// counters so the sender's envelope is never modified after transmission.
func (e *Envelope) Clone() *Envelope {
	out := &Envelope{
		MessageType: e.MessageType,
		Payload:     append([]byte(nil), e.Payload...),
	}
	if e.Headers != nil {
		out.Headers = maps.Clone(e.Headers)
	}
	return out
}

// WireHeaders returns the full broker header set for transmission, including
// the message-type discriminator.
func (e *Envelope) WireHeaders() map[string]string {
	out := make(map[string]string, len(e.Headers)+1)
	maps.Copy(out, e.Headers)
	out[HeaderMessageType] = e.MessageType
	return out
}

// FromWire reconstructs an Envelope from a received payload and broker
// headers.
func FromWire(payload []byte, headers map[string]string) *Envelope {
	e := &Envelope{
		Payload: payload,
		Headers: make(map[string]string, len(headers)),
	}
	for k, v := range headers {
		if k == HeaderMessageType {
			e.MessageType = v
			continue
		}
		e.Headers[k] = v
	}
	return e
}
