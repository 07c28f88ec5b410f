package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/natsbind/endpoint"
	"github.com/drblury/natsbind/internal/logging"
)

func testContext() Context {
	return Context{ServiceName: "orders", Environment: "test", InstanceID: "01J0"}
}

func TestLaterPolicyWinsOnScalarConflict(t *testing.T) {
	en := NewEngine(logging.Nop())
	en.Register(
		WhenSubjectPrefix("priority.", SetMaxDeliveryAttempts(10)),
		WhenSubjectPrefix("priority.", SetMaxDeliveryAttempts(3)),
	)

	e := endpoint.New(endpoint.DirectionListener, "priority.dispatch")
	en.ApplyAll(testContext(), []*endpoint.Endpoint{e})

	assert.Equal(t, 3, e.MaxDeliveryAttempts, "registration order is evaluation order")
}

func TestWhenRoleSkipsOtherRoles(t *testing.T) {
	en := NewEngine(nil)
	en.Register(WhenRole(endpoint.RoleApplication, DisableDeadLetter()))

	system := endpoint.New(endpoint.DirectionListener, "replies.orders",
		endpoint.WithRole(endpoint.RoleSystem), endpoint.WithDeadLetter(""))
	app := endpoint.New(endpoint.DirectionListener, "orders.created",
		endpoint.WithDeadLetter(""))

	en.ApplyAll(testContext(), []*endpoint.Endpoint{system, app})

	assert.True(t, system.DeadLetter.Enabled, "system endpoints are not mutated")
	assert.False(t, app.DeadLetter.Enabled)
}

func TestWhenSubjectPrefix(t *testing.T) {
	en := NewEngine(nil)
	en.Register(
		WhenSubjectPrefix("priority.", SetMode(endpoint.ModeInline)),
		WhenSubjectPrefix("priority.", SetMaxDeliveryAttempts(10)),
		WhenSubjectPrefix("audit.", DisableDeadLetter()),
	)

	priority := endpoint.New(endpoint.DirectionListener, "priority.dispatch")
	audit := endpoint.New(endpoint.DirectionListener, "audit.trail", endpoint.WithDeadLetter(""))
	plain := endpoint.New(endpoint.DirectionListener, "orders.created")

	en.ApplyAll(testContext(), []*endpoint.Endpoint{priority, audit, plain})

	assert.Equal(t, endpoint.ModeInline, priority.Mode)
	assert.Equal(t, 10, priority.MaxDeliveryAttempts)
	assert.False(t, audit.DeadLetter.Enabled)
	assert.Equal(t, endpoint.ModeDurableQueued, plain.Mode)
	assert.Equal(t, endpoint.DefaultMaxDeliveryAttempts, plain.MaxDeliveryAttempts)
}

func TestWhenDirection(t *testing.T) {
	en := NewEngine(nil)
	en.Register(WhenDirection(endpoint.DirectionListener, SetSequential()))

	listener := endpoint.New(endpoint.DirectionListener, "orders.created")
	sender := endpoint.New(endpoint.DirectionSender, "orders.created")

	en.ApplyAll(testContext(), []*endpoint.Endpoint{listener, sender})

	assert.True(t, listener.Sequential)
	assert.False(t, sender.Sequential)
}

func TestForEnvironment(t *testing.T) {
	sets := map[string][]Policy{
		"development": DevelopmentDefaults(),
		"production":  ProductionDefaults(),
	}

	en := NewEngine(nil)
	en.Register(ForEnvironment("development", sets)...)

	e := endpoint.New(endpoint.DirectionListener, "orders.created", endpoint.WithDeadLetter(""))
	en.ApplyAll(Context{Environment: "development"}, []*endpoint.Endpoint{e})

	assert.False(t, e.DeadLetter.Enabled)
	assert.Equal(t, 5*time.Second, e.ExecutionTimeout)

	en = NewEngine(nil)
	en.Register(ForEnvironment("production", sets)...)

	e = endpoint.New(endpoint.DirectionListener, "orders.created")
	en.ApplyAll(Context{Environment: "production"}, []*endpoint.Endpoint{e})

	assert.True(t, e.DeadLetter.Enabled)
	assert.Equal(t, 60*time.Second, e.ExecutionTimeout)

	assert.Empty(t, ForEnvironment("staging", sets), "unknown environment selects nothing")
}

func TestEveryPolicyRunsRegardlessOfEarlierOutcome(t *testing.T) {
	var order []string
	en := NewEngine(nil)
	en.Register(
		New("first", func(ctx Context, e *endpoint.Endpoint) { order = append(order, "first") }),
		New("second", func(ctx Context, e *endpoint.Endpoint) { order = append(order, "second") }),
	)

	en.ApplyAll(testContext(), []*endpoint.Endpoint{
		endpoint.New(endpoint.DirectionListener, "a.b"),
		endpoint.New(endpoint.DirectionListener, "c.d"),
	})

	assert.Equal(t, []string{"first", "first", "second", "second"}, order)
}
