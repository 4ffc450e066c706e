package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/seqflow/internal/runtime/config"
	errspkg "github.com/drblury/seqflow/internal/runtime/errors"
	"github.com/drblury/seqflow/internal/runtime/kvstore"
)

func newTestLauncher(t *testing.T, bus *Bus, opener kvstore.Opener) (*GoroutineLauncher, context.Context) {
	t.Helper()
	l, err := NewGoroutineLauncher(GoroutineLauncherOptions{
		Bus:    bus,
		Node:   testNode,
		Opener: opener,
		Clock:  clock.New(),
	})
	if err != nil {
		t.Fatalf("failed to build launcher: %v", err)
	}
	ctx, cancel := context.WithCancel(testContext(t))
	t.Cleanup(func() {
		cancel()
		l.Wait()
	})
	return l, ctx
}

func TestLauncherRejectsUnknownKind(t *testing.T) {
	bus := newTestBus(t)
	l, ctx := newTestLauncher(t, bus, kvstore.NewMemoryOpener())

	if _, err := l.Spawn(ctx, ExecutableRef{Kind: "mystery"}, RestartNever); !errors.Is(err, errspkg.ErrUnknownKind) {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestLauncherSpawnAddresses(t *testing.T) {
	bus := newTestBus(t)
	l, ctx := newTestLauncher(t, bus, kvstore.NewMemoryOpener())

	named, err := l.Spawn(ctx, ExecutableRef{Kind: EnginePublisher, Name: "pub-x"}, RestartNever)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if named != MakeAddress(testNode, "pub-x") {
		t.Fatalf("unexpected address %s", named)
	}

	anon, err := l.Spawn(ctx, ExecutableRef{Kind: EngineSubscriber}, RestartNever)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if anon.Node() != testNode || !strings.HasPrefix(anon.Process(), "subscriber-") {
		t.Fatalf("expected a derived subscriber name, got %s", anon)
	}
}

func TestLauncherSpawnedPublisherServesTraffic(t *testing.T) {
	bus := newTestBus(t)
	l, ctx := newTestLauncher(t, bus, kvstore.NewMemoryOpener())
	parent := MakeAddress(testNode, "coordinator")
	sub := MakeAddress(testNode, "sub-1")
	subInbox := testInbox(t, bus, sub)

	pub, err := l.Spawn(ctx, ExecutableRef{Kind: EnginePublisher, Name: "pub-live"}, RestartOnFailure)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	// Spawn returning means the inbox is open: the init cannot be lost
	initPublisher(t, bus, parent, pub, "live", testPubConfig(config.PersistenceMemory(5)))
	if sr := subscribeTo(t, bus, sub, pub, "live", nil, nil); !sr.Success {
		t.Fatalf("subscribe refused: %s", sr.Error)
	}
	publishFrom(t, bus, parent, pub, "live", []byte("hello"))
	if env := recvEnvelope(t, subInbox); env.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", env.Sequence)
	}
}

func TestLauncherDoesNotRestartCleanExit(t *testing.T) {
	bus := newTestBus(t)
	l, ctx := newTestLauncher(t, bus, kvstore.NewMemoryOpener())
	parent := MakeAddress(testNode, "coordinator")

	pub, err := l.Spawn(ctx, ExecutableRef{Kind: EnginePublisher, Name: "pub-done"}, RestartOnFailure)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	initPublisher(t, bus, parent, pub, "done", testPubConfig(config.PersistenceNone()))

	kill := mustBody(t, NewEnvelope(KindKill, parent), KillRequest{})
	if err := bus.Send(pub, kill); err != nil {
		t.Fatalf("failed to send kill: %v", err)
	}

	// a terminated engine is gone for good, so a call can only time out
	hb := mustBody(t, NewEnvelope(KindHeartbeat, parent), HeartbeatRequest{})
	if _, err := bus.Call(ctx, parent, pub, hb, 300*time.Millisecond); !errors.Is(err, errspkg.ErrCallTimeout) {
		t.Fatalf("expected a timeout against the dead engine, got %v", err)
	}
}
