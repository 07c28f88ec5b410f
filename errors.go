package natsbind

import (
	"github.com/drblury/natsbind/endpoint"
	"github.com/drblury/natsbind/pipeline"
	"github.com/drblury/natsbind/provision"
	"github.com/drblury/natsbind/reply"
)

// Error taxonomy, re-exported from the packages where the errors arise.
//
// ConfigurationError and ProvisioningError are fatal at startup and never
// recovered. TransientDeliveryFailure is retried per the cooldown sequence;
// FatalDeliveryFailure dead-letters immediately. TimeoutError is surfaced to
// the Request caller and never retried automatically. CircuitOpenError makes
// outbound publishes fail fast while an endpoint is paused.
type (
	ConfigurationError       = endpoint.ConfigurationError
	ProvisioningError        = provision.ProvisioningError
	TransientDeliveryFailure = pipeline.TransientDeliveryFailure
	FatalDeliveryFailure     = pipeline.FatalDeliveryFailure
	CircuitOpenError         = pipeline.CircuitOpenError
	TimeoutError             = reply.TimeoutError
)

// Classification helpers for handler return values. An unclassified error is
// treated as transient.
var (
	Transient = pipeline.Transient
	Fatal     = pipeline.Fatal
	IsFatal   = pipeline.IsFatal
)
