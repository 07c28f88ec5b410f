package natsbind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/natsbind/broker"
	"github.com/drblury/natsbind/config"
	"github.com/drblury/natsbind/endpoint"
	"github.com/drblury/natsbind/envelope"
	"github.com/drblury/natsbind/internal/logging"
	"github.com/drblury/natsbind/pipeline"
	"github.com/drblury/natsbind/policy"
	"github.com/drblury/natsbind/provision"
	"github.com/drblury/natsbind/reply"
	"github.com/drblury/natsbind/schedule"
)

// Dependencies are the collaborators an Engine needs beyond its Config. All
// fields are optional; zero values select the defaults.
type Dependencies struct {
	// Conn overrides the broker connection. Nil dials the URL resolved from
	// the Config. Tests inject a fake here.
	Conn broker.Conn

	// Registerer receives the pipeline metrics. Nil uses the default
	// Prometheus registry.
	Registerer prometheus.Registerer
}

// Engine wires the endpoint table, policy engine, provisioner, delivery
// pipeline, request/reply correlator, and scheduled-send emulator over one
// broker connection. Declare endpoints, streams, and policies first, then
// call Start; the runtime API (Publish, Request, ScheduleSend) is valid until
// Close.
type Engine struct {
	cfg    *config.Config
	logger logging.ServiceLogger
	deps   Dependencies

	table    *endpoint.Table
	policies *policy.Engine
	streams  []broker.StreamConfig
	handlers map[string]pipeline.Handler

	conn       broker.Conn
	ownsConn   bool
	pipe       *pipeline.Pipeline
	correlator *reply.Correlator
	scheduler  *schedule.Scheduler
	metricsSrv *http.Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine validates the configuration and builds an unstarted Engine.
func NewEngine(cfg *config.Config, logger logging.ServiceLogger, deps Dependencies) (*Engine, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With(logging.LogFields{"service": cfg.ServiceName})

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		deps:     deps,
		table:    endpoint.NewTable(),
		policies: policy.NewEngine(logger),
		handlers: make(map[string]pipeline.Handler),
	}, nil
}

// DeclareListener registers a handler for a subject. Declaration is rejected
// once the engine has started.
func (en *Engine) DeclareListener(subject string, h pipeline.Handler, opts ...endpoint.Option) error {
	if h == nil {
		return &ConfigurationError{Subject: subject, Reason: "listener handler is nil"}
	}
	if _, err := en.table.DeclareListener(subject, opts...); err != nil {
		return err
	}
	en.mu.Lock()
	en.handlers[subject] = h
	en.mu.Unlock()
	return nil
}

// DeclareSender registers an outbound endpoint for a subject. A non-empty
// messageTypeFilter restricts which message types the sender transmits.
func (en *Engine) DeclareSender(subject, messageTypeFilter string, opts ...endpoint.Option) error {
	_, err := en.table.DeclareSender(subject, messageTypeFilter, opts...)
	return err
}

// DeclareStream registers a stream definition to be provisioned at Start.
func (en *Engine) DeclareStream(cfg broker.StreamConfig) {
	en.mu.Lock()
	en.streams = append(en.streams, cfg)
	en.mu.Unlock()
}

// RegisterPolicies appends policies to the configuration rule set.
// Registration order is evaluation order.
func (en *Engine) RegisterPolicies(policies ...policy.Policy) {
	en.policies.Register(policies...)
}

// Start connects to the broker, applies policies, freezes the endpoint table,
// provisions streams and consumers, and launches the consumption loops. A
// provisioning failure is fatal: no loop starts and the error is returned.
// Cancelling ctx stops the engine the same way Close does.
func (en *Engine) Start(ctx context.Context) error {
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.started {
		return errors.New("engine already started")
	}

	if err := en.connect(); err != nil {
		return err
	}
	// A failure past this point must not leak a connection the engine dialed
	// itself.
	fail := func(err error) error {
		if en.ownsConn {
			en.conn.Close()
			en.ownsConn = false
		}
		return err
	}

	en.scheduler = schedule.NewScheduler(en.logger)
	en.correlator = reply.NewCorrelator(en.conn, en.cfg.ServiceName, en.logger)
	if _, err := en.table.Declare(en.correlator.InboxEndpoint()); err != nil {
		return fail(err)
	}
	en.handlers[en.correlator.Inbox()] = en.correlator.HandleReply

	en.policies.ApplyAll(policy.Context{
		ServiceName: en.cfg.ServiceName,
		Environment: en.cfg.Environment,
		InstanceID:  en.correlator.InstanceID(),
	}, en.table.All())

	var errs []error
	for _, e := range en.table.All() {
		if err := e.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fail(fmt.Errorf("endpoint validation failed after policies: %w", err))
	}

	en.table.Freeze()

	provisioner := provision.New(en.conn, en.cfg.ServiceName, en.logger)
	if err := provisioner.Provision(ctx, en.streams, en.table.All()); err != nil {
		return fail(err)
	}

	en.pipe = en.buildPipeline()
	en.startMetricsServer()

	runCtx, cancel := context.WithCancel(ctx)
	en.cancel = cancel

	for _, e := range en.table.Listeners() {
		h, ok := en.handlers[e.Subject]
		if !ok {
			cancel()
			return fail(&ConfigurationError{Subject: e.Subject, Reason: "listener has no handler"})
		}
		wrapped := en.scheduler.Intercept(h)

		en.wg.Add(1)
		go func(e *endpoint.Endpoint) {
			defer en.wg.Done()
			if err := en.pipe.RunListener(runCtx, e, wrapped); err != nil {
				en.logger.Error("Listener stopped with error", err, logging.LogFields{
					"subject": e.Subject,
				})
			}
		}(e)
	}

	en.started = true
	en.logger.Info("Engine started", logging.LogFields{
		"listeners": len(en.table.Listeners()),
		"streams":   len(en.streams),
		"instance":  en.correlator.InstanceID(),
	})
	return nil
}

func (en *Engine) connect() error {
	if en.deps.Conn != nil {
		en.conn = en.deps.Conn
		return nil
	}
	conn, err := broker.Connect(en.cfg.ResolveBrokerURL(), en.logger)
	if err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}
	en.conn = conn
	en.ownsConn = true
	return nil
}

func (en *Engine) buildPipeline() *pipeline.Pipeline {
	opts := []pipeline.Option{
		pipeline.WithMetrics(pipeline.NewMetrics(en.deps.Registerer)),
	}
	if len(en.cfg.RetryCooldowns) > 0 {
		opts = append(opts, pipeline.WithBackoff(pipeline.Backoff{Delays: en.cfg.RetryCooldowns}))
	}
	if en.cfg.ErrorQueue != "" {
		opts = append(opts, pipeline.WithErrorQueue(en.cfg.ErrorQueue))
	}
	return pipeline.New(en.conn, en.cfg.ServiceName, en.logger, opts...)
}

func (en *Engine) startMetricsServer() {
	if !en.cfg.MetricsEnabled {
		return
	}
	port := en.cfg.MetricsPort
	if port == 0 {
		port = config.DefaultMetricsPort
	}

	handler := promhttp.Handler()
	if g, ok := en.deps.Registerer.(prometheus.Gatherer); ok {
		handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	en.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := en.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			en.logger.Error("Metrics server failed", err, logging.LogFields{"port": port})
		}
	}()
	en.logger.Info("Metrics server listening", logging.LogFields{"port": port})
}

// Publish transmits env through the sender endpoint declared for subject.
func (en *Engine) Publish(ctx context.Context, subject string, env *envelope.Envelope) error {
	if en.pipe == nil {
		return errors.New("engine not started")
	}
	e, ok := en.table.Resolve(endpoint.DirectionSender, subject)
	if !ok {
		return &ConfigurationError{Subject: subject, Reason: "no sender endpoint declared"}
	}
	return en.pipe.Publish(ctx, e, env)
}

// Request publishes env and blocks until the correlated reply arrives or
// timeout elapses. Requires a started engine.
func (en *Engine) Request(ctx context.Context, subject string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	if en.correlator == nil {
		return nil, errors.New("engine not started")
	}
	return en.correlator.Request(ctx, subject, env, timeout)
}

// Respond publishes a reply for a request received by a listener handler.
func (en *Engine) Respond(ctx context.Context, request, response *envelope.Envelope) error {
	if en.correlator == nil {
		return errors.New("engine not started")
	}
	return en.correlator.Respond(ctx, request, response)
}

// ScheduleSend delivers env to subject's listeners no earlier than delay from
// now. The envelope travels immediately inside a scheduled wrapper; the
// receiving engine holds it on a timer until the delivery time.
func (en *Engine) ScheduleSend(ctx context.Context, subject string, env *envelope.Envelope, delay time.Duration) error {
	if en.pipe == nil {
		return errors.New("engine not started")
	}
	e, ok := en.table.Resolve(endpoint.DirectionSender, subject)
	if !ok {
		return &ConfigurationError{Subject: subject, Reason: "no sender endpoint declared"}
	}
	if !e.Accepts(env.MessageType) {
		return fmt.Errorf("sender %q does not accept message type %q", subject, env.MessageType)
	}

	wrapper, err := schedule.Wrap(env, time.Now().Add(delay))
	if err != nil {
		return err
	}
	return en.pipe.Publish(ctx, e, wrapper)
}

// Close stops consumption loops, waits for in-flight handlers up to the
// configured shutdown timeout, cancels scheduler timers, and closes the
// broker connection if the engine opened it.
func (en *Engine) Close() error {
	en.mu.Lock()
	defer en.mu.Unlock()
	if !en.started {
		return nil
	}
	en.started = false

	en.cancel()

	done := make(chan struct{})
	go func() {
		en.wg.Wait()
		close(done)
	}()
	timeout := en.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		en.logger.Error("Shutdown timeout elapsed with listeners still running", nil, logging.LogFields{
			"timeout": timeout.String(),
		})
	}

	en.scheduler.Close()

	var errs []error
	if en.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := en.metricsSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
		cancel()
	}
	if en.ownsConn {
		if err := en.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close: %w", err))
		}
	}

	en.logger.Info("Engine stopped", nil)
	return errors.Join(errs...)
}
