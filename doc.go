// Package natsbind binds an application message bus to a NATS JetStream
// broker. It owns the pieces between "declare an endpoint" and "a handler
// ran": an endpoint table, a policy engine that reshapes endpoints per
// environment, an idempotent stream/consumer provisioner, and a delivery
// pipeline with cooldown retries, per-endpoint circuit breakers, and
// dead-letter routing. On top of the pipeline it provides request/reply
// correlation and scheduled-send emulation for a broker whose native
// semantics are at-most-once fire-and-forget.
//
// A minimal setup fills a Config, creates an Engine, declares listeners and
// senders, and calls Start:
//
//	cfg := &natsbind.Config{ServiceName: "billing", Environment: "production"}
//	engine, err := natsbind.NewEngine(cfg, logger, natsbind.Dependencies{})
//	engine.DeclareStream(natsbind.StreamConfig{Name: "ORDERS", SubjectFilters: []string{"orders.>"}})
//	engine.DeclareListener("orders.created", handleOrder, natsbind.WithStream("ORDERS"))
//	engine.DeclareSender("invoices.issued", "InvoiceIssued", natsbind.WithStream("INVOICES"))
//	err = engine.Start(ctx)
//
// # Delivery guarantees
//
// Endpoints without a stream binding use the broker's native fire-and-forget
// semantics. Binding a stream (WithStream) upgrades an endpoint to
// at-least-once: messages persist in the stream, failed deliveries are
// redelivered after a cooldown, and messages that exhaust their attempt
// budget land on a dead-letter subject with the attempt count and last
// failure reason preserved for inspection.
//
// # Policies
//
// Policies are named functions over endpoint descriptors, applied once at
// startup in registration order; the later registration wins conflicts.
// Guards like ApplicationOnly and WhenSubjectPrefix scope a policy, and
// ForEnvironment selects a policy set by deployment environment.
//
// # Request/reply and scheduled sends
//
// Engine.Request publishes with a correlation id and blocks until the reply
// reaches this process's inbox subject or the timeout elapses. ScheduleSend
// wraps the message in a transport-internal envelope carrying its delivery
// time; the receiving engine holds it on a local timer and dispatches the
// inner message once the time has passed, so application handlers never see
// the wrapper.
package natsbind
