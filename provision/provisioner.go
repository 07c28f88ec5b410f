// Package provision reconciles declared streams and consumers against broker
// state before traffic flows. Provisioning is idempotent: a restart with the
// same declarations converges to the same broker resources, and a restart
// with different declarations only ever adds, never shrinks.
package provision

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/drblury/natsbind/broker"
	"github.com/drblury/natsbind/endpoint"
	"github.com/drblury/natsbind/internal/logging"
)

// DeadLetterStream is the implicitly provisioned stream that captures every
// dead-letter subject, so exhausted messages stay inspectable.
const DeadLetterStream = "DEADLETTER"

// StreamManager is the slice of the broker surface provisioning needs.
type StreamManager interface {
	StreamInfo(ctx context.Context, name string) (*broker.StreamConfig, error)
	CreateStream(ctx context.Context, cfg broker.StreamConfig) error
	UpdateStreamSubjects(ctx context.Context, name string, filters []string) error
	EnsureConsumer(ctx context.Context, cfg broker.ConsumerConfig) error
}

// ProvisioningError reports a failure to realise a broker resource. It is
// fatal at startup: the engine must not serve traffic over unverified
// resources.
type ProvisioningError struct {
	Resource string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s failed: %v", e.Resource, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Provisioner realises stream and consumer declarations on the broker.
type Provisioner struct {
	broker      StreamManager
	serviceName string
	logger      logging.ServiceLogger
}

// New builds a Provisioner. The service name seeds derived consumer names so
// restarts resume the same durable cursors.
func New(b StreamManager, serviceName string, logger logging.ServiceLogger) *Provisioner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Provisioner{broker: b, serviceName: serviceName, logger: logger}
}

// Provision reconciles every declared stream, the implicit dead-letter
// stream, and one durable consumer per at-least-once listener. Any failure
// aborts with a ProvisioningError.
func (p *Provisioner) Provision(ctx context.Context, streams []broker.StreamConfig, endpoints []*endpoint.Endpoint) error {
	streams = p.withDeadLetterStream(streams, endpoints)

	for _, cfg := range streams {
		if err := p.reconcileStream(ctx, cfg); err != nil {
			return &ProvisioningError{Resource: "stream " + cfg.Name, Err: err}
		}
	}

	for _, e := range endpoints {
		if e.Direction != endpoint.DirectionListener || e.Guarantee != endpoint.AtLeastOnce {
			continue
		}
		cfg := p.consumerConfig(e)
		if err := p.broker.EnsureConsumer(ctx, cfg); err != nil {
			return &ProvisioningError{Resource: "consumer " + cfg.Name, Err: err}
		}
		p.logger.Info("Provisioned consumer", logging.LogFields{
			"stream":   cfg.Stream,
			"consumer": cfg.Name,
			"subject":  cfg.FilterSubject,
		})
	}

	return nil
}

// withDeadLetterStream appends the implicit dead-letter stream when any
// endpoint dead-letters and no declaration already covers it.
func (p *Provisioner) withDeadLetterStream(streams []broker.StreamConfig, endpoints []*endpoint.Endpoint) []broker.StreamConfig {
	needed := false
	for _, e := range endpoints {
		if e.DeadLetter.Enabled {
			needed = true
			break
		}
	}
	if !needed {
		return streams
	}
	for _, s := range streams {
		if s.Name == DeadLetterStream {
			return streams
		}
	}
	return append(streams, broker.StreamConfig{
		Name:           DeadLetterStream,
		SubjectFilters: []string{endpoint.DeadLetterSubjectPrefix + ">"},
		Retention:      broker.RetentionLimits,
		Replicas:       1,
	})
}

// reconcileStream creates an absent stream as declared. For a pre-existing
// stream only the subject filter set is reconciled, as a union: filters are
// never removed, and retention/replica settings stay as the broker has them
// (manual broker-side changes are authoritative once the stream exists).
func (p *Provisioner) reconcileStream(ctx context.Context, cfg broker.StreamConfig) error {
	existing, err := p.broker.StreamInfo(ctx, cfg.Name)
	if errors.Is(err, broker.ErrStreamNotFound) {
		if err := p.broker.CreateStream(ctx, cfg); err != nil {
			return err
		}
		p.logger.Info("Created stream", logging.LogFields{
			"stream":    cfg.Name,
			"subjects":  cfg.SubjectFilters,
			"retention": string(cfg.Retention),
		})
		return nil
	}
	if err != nil {
		return err
	}

	merged := unionFilters(existing.SubjectFilters, cfg.SubjectFilters)
	if len(merged) == len(existing.SubjectFilters) {
		return nil
	}
	if err := p.broker.UpdateStreamSubjects(ctx, cfg.Name, merged); err != nil {
		return err
	}
	p.logger.Info("Extended stream subject filters", logging.LogFields{
		"stream":   cfg.Name,
		"subjects": merged,
	})
	return nil
}

func unionFilters(existing, declared []string) []string {
	merged := slices.Clone(existing)
	for _, f := range declared {
		if !slices.Contains(merged, f) {
			merged = append(merged, f)
		}
	}
	return merged
}

func (p *Provisioner) consumerConfig(e *endpoint.Endpoint) broker.ConsumerConfig {
	ackWait := broker.DefaultAckWait
	if e.ExecutionTimeout > ackWait {
		ackWait = e.ExecutionTimeout
	}
	cfg := broker.ConsumerConfig{
		Stream:        e.Stream,
		Name:          ConsumerName(p.serviceName, e),
		FilterSubject: e.Subject,
		// The delivery pipeline owns the attempt budget: it dead-letters and
		// terminates the message once DeadLetterAttempts is reached. A
		// broker-side cap below that budget would stop redelivery first and
		// strand the message in the stream, and would also swallow the
		// recovery redelivery after a failed dead-letter publish.
		MaxDeliver: broker.UnlimitedDeliveries,
		AckWait:    ackWait,
	}
	if e.Sequential {
		// Ordering requires that a failed message is redelivered before any
		// later message is handed out.
		cfg.MaxAckPending = 1
	}
	return cfg
}

var consumerNameSanitizer = strings.NewReplacer(
	".", "_",
	"*", "any",
	">", "all",
)

// ConsumerName returns the durable consumer name for an endpoint: the
// explicit override when set, otherwise a deterministic derivation from
// (serviceName, subject) so process restarts resume the same cursor.
func ConsumerName(serviceName string, e *endpoint.Endpoint) string {
	if e.Consumer != "" {
		return e.Consumer
	}
	return consumerNameSanitizer.Replace(serviceName + "_" + e.Subject)
}
