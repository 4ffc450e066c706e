package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	errspkg "github.com/drblury/seqflow/internal/runtime/errors"
	"github.com/drblury/seqflow/internal/runtime/ids"
	"github.com/drblury/seqflow/internal/runtime/kvstore"
	"github.com/drblury/seqflow/internal/runtime/logging"
)

// RestartPolicy decides what happens when an engine's Run returns an error.
type RestartPolicy string

const (
	// RestartNever leaves the engine down after any exit.
	RestartNever RestartPolicy = "never"
	// RestartOnFailure rebuilds the engine after an unexpected error; the
	// replacement resumes from the persisted snapshot. Clean termination,
	// init failures, and context cancellation never restart.
	RestartOnFailure RestartPolicy = "on-failure"
)

// EngineKind names a spawnable engine type.
type EngineKind string

const (
	EnginePublisher  EngineKind = "publisher"
	EngineSubscriber EngineKind = "subscriber"
)

// ExecutableRef identifies what to spawn. Name becomes the process part of
// the engine's address; when empty the launcher derives a unique one.
type ExecutableRef struct {
	Kind EngineKind
	Name string
}

// Launcher starts engine instances and supervises their lifecycle. Spawn
// returns once the new engine's inbox is open, so the caller can immediately
// send it the init message.
type Launcher interface {
	Spawn(ctx context.Context, ref ExecutableRef, policy RestartPolicy) (Address, error)
}

// engineRunner is what the launcher supervises.
type engineRunner interface {
	Run(ctx context.Context) error
	Ready() <-chan struct{}
}

// GoroutineLauncherOptions configures a GoroutineLauncher.
type GoroutineLauncherOptions struct {
	Bus     *Bus
	Node    string
	Opener  kvstore.Opener
	Clock   clock.Clock
	Logger  logging.ServiceLogger
	Metrics *Metrics
	// BusyThreshold and SubscribeTimeout are forwarded to the engines.
	BusyThreshold    int
	SubscribeTimeout time.Duration
}

// GoroutineLauncher runs each engine on its own goroutine within this
// process. All spawned addresses live on the launcher's node.
type GoroutineLauncher struct {
	bus     *Bus
	node    string
	opener  kvstore.Opener
	clk     clock.Clock
	log     logging.ServiceLogger
	metrics *Metrics

	busyThreshold    int
	subscribeTimeout time.Duration

	wg sync.WaitGroup
}

// NewGoroutineLauncher builds a launcher for in-process engines.
func NewGoroutineLauncher(opts GoroutineLauncherOptions) (*GoroutineLauncher, error) {
	if opts.Bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if opts.Node == "" {
		return nil, errspkg.ErrAddressRequired
	}
	if opts.Opener == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &GoroutineLauncher{
		bus:              opts.Bus,
		node:             opts.Node,
		opener:           opts.Opener,
		clk:              opts.Clock,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		busyThreshold:    opts.BusyThreshold,
		subscribeTimeout: opts.SubscribeTimeout,
	}, nil
}

// Spawn starts a new engine and returns its address once the inbox is open.
// A restarted engine keeps the same address and restores its snapshot.
func (l *GoroutineLauncher) Spawn(ctx context.Context, ref ExecutableRef, policy RestartPolicy) (Address, error) {
	name := ref.Name
	if name == "" {
		name = string(ref.Kind) + "-" + strings.ToLower(ids.CreateULID())
	}
	addr := MakeAddress(l.node, name)

	build, err := l.builder(ref.Kind, addr)
	if err != nil {
		return "", err
	}

	eng, err := build()
	if err != nil {
		return "", err
	}

	done := make(chan error, 1)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		done <- l.supervise(ctx, addr, eng, build, policy)
	}()

	select {
	case <-eng.Ready():
		return addr, nil
	case err := <-done:
		if err == nil {
			err = errspkg.ErrTerminated
		}
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Wait blocks until every spawned engine has exited.
func (l *GoroutineLauncher) Wait() { l.wg.Wait() }

func (l *GoroutineLauncher) builder(kind EngineKind, addr Address) (func() (engineRunner, error), error) {
	switch kind {
	case EnginePublisher:
		return func() (engineRunner, error) {
			return NewPublisherEngine(PublisherEngineOptions{
				Bus:           l.bus,
				Address:       addr,
				Opener:        l.opener,
				Clock:         l.clk,
				Logger:        l.log,
				Metrics:       l.metrics,
				BusyThreshold: l.busyThreshold,
			})
		}, nil
	case EngineSubscriber:
		return func() (engineRunner, error) {
			return NewSubscriberEngine(SubscriberEngineOptions{
				Bus:              l.bus,
				Address:          addr,
				Opener:           l.opener,
				Logger:           l.log,
				SubscribeTimeout: l.subscribeTimeout,
			})
		}, nil
	default:
		return nil, errspkg.ErrUnknownKind
	}
}

// supervise runs the engine and, under RestartOnFailure, rebuilds it after
// unexpected errors. Init failures are terminal regardless of policy.
func (l *GoroutineLauncher) supervise(ctx context.Context, addr Address, eng engineRunner, build func() (engineRunner, error), policy RestartPolicy) error {
	for {
		err := eng.Run(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case errspkg.IsInitError(err):
			l.log.Error("engine failed to initialize", err, logging.LogFields{"address": string(addr)})
			return err
		case policy != RestartOnFailure:
			l.log.Error("engine exited", err, logging.LogFields{"address": string(addr)})
			return err
		}

		l.log.Error("engine crashed, restarting", err, logging.LogFields{"address": string(addr)})
		eng, err = build()
		if err != nil {
			return err
		}
	}
}
