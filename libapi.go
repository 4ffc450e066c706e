package seqflow

import (
	runtimepkg "github.com/drblury/seqflow/internal/runtime"
	configpkg "github.com/drblury/seqflow/internal/runtime/config"
	errspkg "github.com/drblury/seqflow/internal/runtime/errors"
	kvstorepkg "github.com/drblury/seqflow/internal/runtime/kvstore"
	loggingpkg "github.com/drblury/seqflow/internal/runtime/logging"
	transportpkg "github.com/drblury/seqflow/transport"
)

type (
	Config      = configpkg.Config
	PubConfig   = configpkg.PubConfig
	Persistence = configpkg.Persistence

	Node               = runtimepkg.Node
	NodeOptions        = runtimepkg.NodeOptions
	Coordinator        = runtimepkg.Coordinator
	CoordinatorOptions = runtimepkg.CoordinatorOptions
	SubscribeOptions   = runtimepkg.SubscribeOptions
	DeliveryHandler    = runtimepkg.DeliveryHandler

	Address  = runtimepkg.Address
	Envelope = runtimepkg.Envelope
	Kind     = runtimepkg.Kind
	Bus      = runtimepkg.Bus

	PublisherEngine          = runtimepkg.PublisherEngine
	PublisherEngineOptions   = runtimepkg.PublisherEngineOptions
	SubscriberEngine         = runtimepkg.SubscriberEngine
	SubscriberEngineOptions  = runtimepkg.SubscriberEngineOptions
	MessageHistory           = runtimepkg.MessageHistory
	RetainedMessage          = runtimepkg.RetainedMessage
	Launcher                 = runtimepkg.Launcher
	GoroutineLauncher        = runtimepkg.GoroutineLauncher
	GoroutineLauncherOptions = runtimepkg.GoroutineLauncherOptions
	ExecutableRef            = runtimepkg.ExecutableRef
	RestartPolicy            = runtimepkg.RestartPolicy
	EngineKind               = runtimepkg.EngineKind
	Ticker                   = runtimepkg.Ticker
	Metrics                  = runtimepkg.Metrics

	HeartbeatResponse = runtimepkg.HeartbeatResponse

	Store  = kvstorepkg.Store
	Opener = kvstorepkg.Opener

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	InitError = errspkg.InitError

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

const (
	TierNone   = configpkg.TierNone
	TierMemory = configpkg.TierMemory
	TierDisk   = configpkg.TierDisk

	RestartNever     = runtimepkg.RestartNever
	RestartOnFailure = runtimepkg.RestartOnFailure

	HeartbeatOk    = runtimepkg.HeartbeatOk
	HeartbeatBusy  = runtimepkg.HeartbeatBusy
	HeartbeatError = runtimepkg.HeartbeatError
)

var (
	NewNode              = runtimepkg.NewNode
	NewCoordinator       = runtimepkg.NewCoordinator
	NewBus               = runtimepkg.NewBus
	NewMetrics           = runtimepkg.NewMetrics
	NewPublisherEngine   = runtimepkg.NewPublisherEngine
	NewSubscriberEngine  = runtimepkg.NewSubscriberEngine
	NewGoroutineLauncher = runtimepkg.NewGoroutineLauncher
	NewMessageHistory    = runtimepkg.NewMessageHistory
	StartTicker          = runtimepkg.StartTicker
	MakeAddress          = runtimepkg.MakeAddress

	DefaultPubConfig  = configpkg.DefaultPubConfig
	PersistenceNone   = configpkg.PersistenceNone
	PersistenceMemory = configpkg.PersistenceMemory
	PersistenceDisk   = configpkg.PersistenceDisk
	ValidateConfig    = configpkg.ValidateConfig

	NewMemoryOpener = kvstorepkg.NewMemoryOpener
	NewSQLiteOpener = kvstorepkg.NewSQLiteOpener

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	ErrCallTimeout    = errspkg.ErrCallTimeout
	ErrNoSubscription = errspkg.ErrNoSubscription
	ErrNoPublisher    = errspkg.ErrNoPublisher
	IsInitError       = errspkg.IsInitError

	RegisterTransport = transportpkg.Register
)
