// Package transport defines the core interfaces and types for seqflow bus
// backends. Each backend (channel, nats) lives in its own sub-package and
// registers itself with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines the publisher and subscriber pair engines exchange
// envelopes over.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by bus backends. The
// interface lets backends access only the keys they need without depending
// on the full config package.
type Config interface {
	// GetBusSystem returns the backend name ("channel", "nats", ...).
	GetBusSystem() string

	// NATS
	GetNATSURL() string
}

// Capabilities describes the delivery properties of a bus backend.
type Capabilities struct {
	// Name is the backend's registered name.
	Name string

	// SupportsOrdering indicates per-inbox delivery order matches publish
	// order. The engines require this from whatever backend is selected.
	SupportsOrdering bool

	// CrossProcess indicates engines on different processes (or hosts) can
	// address each other over this backend.
	CrossProcess bool
}

// ChannelCapabilities describes the in-process channel backend.
var ChannelCapabilities = Capabilities{
	Name:             "channel",
	SupportsOrdering: true,
	CrossProcess:     false,
}

// NATSCapabilities describes the NATS Core backend.
var NATSCapabilities = Capabilities{
	Name:             "nats",
	SupportsOrdering: true,
	CrossProcess:     true,
}
