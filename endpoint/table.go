package endpoint

import (
	"sync"
	"sync/atomic"
)

type tableKey struct {
	direction Direction
	subject   string
}

// Table is the process-wide endpoint registry, keyed by (direction, subject).
// Declarations are purely in-memory until provisioning runs. After Freeze the
// table is immutable and lookups go through an atomic snapshot, so the
// read-heavy runtime path takes no locks.
type Table struct {
	mu      sync.Mutex
	entries map[tableKey]*Endpoint
	order   []*Endpoint

	frozen   atomic.Bool
	snapshot atomic.Pointer[map[tableKey]*Endpoint]
}

// NewTable returns an empty endpoint table.
func NewTable() *Table {
	return &Table{entries: make(map[tableKey]*Endpoint)}
}

// DeclareListener registers a listener endpoint for the subject.
func (t *Table) DeclareListener(subject string, opts ...Option) (*Endpoint, error) {
	return t.declare(New(DirectionListener, subject, opts...))
}

// DeclareSender registers a sender endpoint for the subject, optionally
// restricted to one message type.
func (t *Table) DeclareSender(subject, messageTypeFilter string, opts ...Option) (*Endpoint, error) {
	e := New(DirectionSender, subject, opts...)
	e.MessageTypeFilter = messageTypeFilter
	return t.declare(e)
}

// Declare registers a pre-built endpoint. Used by the engine for its internal
// system endpoints.
func (t *Table) Declare(e *Endpoint) (*Endpoint, error) {
	return t.declare(e)
}

func (t *Table) declare(e *Endpoint) (*Endpoint, error) {
	if t.frozen.Load() {
		return nil, &ConfigurationError{
			Subject: e.Subject,
			Reason:  "endpoint table is frozen; declare endpoints before the engine starts",
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := tableKey{direction: e.Direction, subject: e.Subject}
	if _, exists := t.entries[key]; exists {
		return nil, &ConfigurationError{
			Subject: e.Subject,
			Reason:  "duplicate " + string(e.Direction) + " registration",
		}
	}
	t.entries[key] = e
	t.order = append(t.order, e)
	return e, nil
}

// Resolve returns the endpoint registered under exactly (direction, subject).
// Wildcard listener subjects are only matched by their literal pattern, never
// by subjects they would capture.
func (t *Table) Resolve(direction Direction, subject string) (*Endpoint, bool) {
	key := tableKey{direction: direction, subject: subject}
	if snap := t.snapshot.Load(); snap != nil {
		e, ok := (*snap)[key]
		return e, ok
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return e, ok
}

// All returns every declared endpoint in declaration order.
func (t *Table) All() []*Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Endpoint, len(t.order))
	copy(out, t.order)
	return out
}

// Listeners returns every declared listener in declaration order.
func (t *Table) Listeners() []*Endpoint {
	var out []*Endpoint
	for _, e := range t.All() {
		if e.Direction == DirectionListener {
			out = append(out, e)
		}
	}
	return out
}

// Freeze makes the table immutable and publishes the lock-free lookup
// snapshot. Called by the engine once provisioning completes.
func (t *Table) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := make(map[tableKey]*Endpoint, len(t.entries))
	for k, v := range t.entries {
		snap[k] = v
	}
	t.snapshot.Store(&snap)
	t.frozen.Store(true)
}

// Frozen reports whether the table has been frozen.
func (t *Table) Frozen() bool {
	return t.frozen.Load()
}
