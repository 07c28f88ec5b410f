package natsbind

import (
	brokerpkg "github.com/drblury/natsbind/broker"
	configpkg "github.com/drblury/natsbind/config"
	endpointpkg "github.com/drblury/natsbind/endpoint"
	envelopepkg "github.com/drblury/natsbind/envelope"
	loggingpkg "github.com/drblury/natsbind/internal/logging"
	pipelinepkg "github.com/drblury/natsbind/pipeline"
	policypkg "github.com/drblury/natsbind/policy"
	provisionpkg "github.com/drblury/natsbind/provision"
)

type (
	Config     = configpkg.Config
	LookupFunc = configpkg.LookupFunc

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Envelope = envelopepkg.Envelope
	Handler  = pipelinepkg.Handler
	Backoff  = pipelinepkg.Backoff
	Metrics  = pipelinepkg.Metrics

	Endpoint         = endpointpkg.Endpoint
	EndpointOption   = endpointpkg.Option
	Role             = endpointpkg.Role
	Direction        = endpointpkg.Direction
	Mode             = endpointpkg.Mode
	Guarantee        = endpointpkg.Guarantee
	DeadLetterConfig = endpointpkg.DeadLetterConfig

	StreamConfig    = brokerpkg.StreamConfig
	ConsumerConfig  = brokerpkg.ConsumerConfig
	RetentionPolicy = brokerpkg.RetentionPolicy
	BrokerConn      = brokerpkg.Conn

	Policy        = policypkg.Policy
	PolicyContext = policypkg.Context
	PolicyFunc    = policypkg.Func
)

// Endpoint classification values.
const (
	RoleSystem      = endpointpkg.RoleSystem
	RoleApplication = endpointpkg.RoleApplication

	DirectionListener = endpointpkg.DirectionListener
	DirectionSender   = endpointpkg.DirectionSender

	ModeInline        = endpointpkg.ModeInline
	ModeDurableQueued = endpointpkg.ModeDurableQueued

	AtMostOnce  = endpointpkg.AtMostOnce
	AtLeastOnce = endpointpkg.AtLeastOnce
)

var (
	NewEnvelope    = envelopepkg.New
	ValidateConfig = configpkg.ValidateConfig
	ConfigFromEnv  = configpkg.FromEnv

	NewSlogLogger       = loggingpkg.NewSlogServiceLogger
	NewWatermillLogger  = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter = loggingpkg.NewWatermillAdapter

	// Endpoint declaration options.
	WithRole                = endpointpkg.WithRole
	WithQueueGroup          = endpointpkg.WithQueueGroup
	WithStream              = endpointpkg.WithStream
	WithConsumer            = endpointpkg.WithConsumer
	WithAtMostOnce          = endpointpkg.WithAtMostOnce
	WithDeadLetter          = endpointpkg.WithDeadLetter
	WithoutDeadLetter       = endpointpkg.WithoutDeadLetter
	WithMaxDeliveryAttempts = endpointpkg.WithMaxDeliveryAttempts
	WithExecutionTimeout    = endpointpkg.WithExecutionTimeout
	WithMode                = endpointpkg.WithMode
	WithSequential          = endpointpkg.WithSequential
	WithMaxConcurrent       = endpointpkg.WithMaxConcurrent
	WithBreaker             = endpointpkg.WithBreaker

	// Built-in policies.
	NewPolicy              = policypkg.New
	WhenRole               = policypkg.WhenRole
	ApplicationOnly        = policypkg.ApplicationOnly
	WhenSubjectPrefix      = policypkg.WhenSubjectPrefix
	WhenDirection          = policypkg.WhenDirection
	ForEnvironment         = policypkg.ForEnvironment
	SetMaxDeliveryAttempts = policypkg.SetMaxDeliveryAttempts
	SetExecutionTimeout    = policypkg.SetExecutionTimeout
	SetMode                = policypkg.SetMode
	EnableDeadLetter       = policypkg.EnableDeadLetter
	DisableDeadLetter      = policypkg.DisableDeadLetter
	SetBreaker             = policypkg.SetBreaker
	SetSequential          = policypkg.SetSequential
	DevelopmentDefaults    = policypkg.DevelopmentDefaults
	ProductionDefaults     = policypkg.ProductionDefaults

	ConsumerName = provisionpkg.ConsumerName
)

// Wire header names and reserved message types.
const (
	HeaderMessageType     = envelopepkg.HeaderMessageType
	HeaderCorrelationID   = envelopepkg.HeaderCorrelationID
	HeaderReplyTo         = envelopepkg.HeaderReplyTo
	HeaderDeliveryAttempt = envelopepkg.HeaderDeliveryAttempt

	ScheduledMessageType = envelopepkg.ScheduledMessageType

	DefaultErrorQueue = pipelinepkg.DefaultErrorQueue
	DeadLetterStream  = provisionpkg.DeadLetterStream
)
