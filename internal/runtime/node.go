package runtime

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/seqflow/internal/runtime/config"
	"github.com/drblury/seqflow/internal/runtime/kvstore"
	"github.com/drblury/seqflow/internal/runtime/logging"
	transportpkg "github.com/drblury/seqflow/transport"

	// transport backends register themselves
	_ "github.com/drblury/seqflow/transport/channel"
	_ "github.com/drblury/seqflow/transport/nats"
)

// NodeOptions configures a Node beyond its Config. Every field is optional.
type NodeOptions struct {
	Logger     logging.ServiceLogger
	Clock      clock.Clock
	Registerer prometheus.Registerer
	OnDelivery DeliveryHandler
}

// Node assembles a complete runtime: the transport-backed bus, the durable
// store, the engine launcher, and the coordinator. It is the entry point for
// embedding the runtime in an application.
type Node struct {
	Name        string
	Conf        config.Config
	Bus         *Bus
	Opener      kvstore.Opener
	Launcher    *GoroutineLauncher
	Coordinator *Coordinator

	log    logging.ServiceLogger
	closer func() error
}

// NewNode builds and starts a node. The transport backend is resolved from
// the config's bus system through the registry; state is durable when a
// SQLite file is configured and in-memory otherwise.
func NewNode(ctx context.Context, name string, conf config.Config, opts NodeOptions) (*Node, error) {
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	t, err := transportpkg.Build(ctx, &conf, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, err
	}
	bus := NewBus(t, logger)

	var opener kvstore.Opener
	var closeOpener func() error
	if conf.SQLiteFile != "" {
		sq, err := kvstore.NewSQLiteOpener(conf.SQLiteFile)
		if err != nil {
			bus.Close()
			return nil, err
		}
		opener = sq
		closeOpener = sq.Close
	} else {
		mem := kvstore.NewMemoryOpener()
		opener = mem
		closeOpener = mem.Close
	}

	metrics := NewMetrics(opts.Registerer)

	launcher, err := NewGoroutineLauncher(GoroutineLauncherOptions{
		Bus:              bus,
		Node:             name,
		Opener:           opener,
		Clock:            clk,
		Logger:           logger,
		Metrics:          metrics,
		BusyThreshold:    conf.BusyThreshold,
		SubscribeTimeout: conf.SubscribeTimeout,
	})
	if err != nil {
		bus.Close()
		closeOpener()
		return nil, err
	}

	coord, err := NewCoordinator(CoordinatorOptions{
		Bus:        bus,
		Node:       name,
		Launcher:   launcher,
		Opener:     opener,
		Clock:      clk,
		Logger:     logger,
		Conf:       conf,
		OnDelivery: opts.OnDelivery,
	})
	if err != nil {
		bus.Close()
		closeOpener()
		return nil, err
	}
	if err := coord.Start(ctx); err != nil {
		bus.Close()
		closeOpener()
		return nil, err
	}

	logger.Info("node started", logging.LogFields{
		"node":      name,
		"transport": conf.BusSystem,
		"durable":   conf.SQLiteFile != "",
	})
	return &Node{
		Name:        name,
		Conf:        conf,
		Bus:         bus,
		Opener:      opener,
		Launcher:    launcher,
		Coordinator: coord,
		log:         logger,
		closer:      closeOpener,
	}, nil
}

// Close shuts down the coordinator, the bus, and the durable store. The
// context passed to NewNode should be cancelled first so the engine
// goroutines drain.
func (n *Node) Close() error {
	n.Coordinator.Close()
	busErr := n.Bus.Close()
	storeErr := n.closer()
	if busErr != nil {
		return busErr
	}
	return storeErr
}
