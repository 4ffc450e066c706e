package runtime

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drblury/seqflow/internal/runtime/config"
	errspkg "github.com/drblury/seqflow/internal/runtime/errors"
	"github.com/drblury/seqflow/internal/runtime/kvstore"
)

func testPubConfig(persistence config.Persistence) config.PubConfig {
	return config.PubConfig{
		MaxRetryAttempts:  3,
		RetryInterval:     time.Minute,
		HeartbeatInterval: 30 * time.Second,
		Persistence:       persistence,
	}
}

func initPublisher(t *testing.T, bus *Bus, parent, pub Address, topic string, cfg config.PubConfig) {
	t.Helper()
	env := mustBody(t, NewEnvelope(KindInitPublisher, parent), InitPublisherRequest{Topic: topic, Config: cfg})
	if err := bus.Send(pub, env); err != nil {
		t.Fatalf("failed to send init: %v", err)
	}
}

func subscribeTo(t *testing.T, bus *Bus, sub, pub Address, topic string, from *uint64, grant []byte) SubscribeResponse {
	t.Helper()
	req := mustBody(t, NewEnvelope(KindSubscribe, sub), SubscribeRequest{Topic: topic, FromSequence: from})
	req.WithGrant(grant)
	resp, err := bus.Call(testContext(t), sub, pub, req, 2*time.Second)
	if err != nil {
		t.Fatalf("subscribe call failed: %v", err)
	}
	return decodeAs[SubscribeResponse](t, resp)
}

func publishFrom(t *testing.T, bus *Bus, source, pub Address, topic string, payload []byte) {
	t.Helper()
	if err := bus.Send(pub, NewPublishEnvelope(source, topic, 0, payload)); err != nil {
		t.Fatalf("failed to send publish: %v", err)
	}
}

func sendTick(t *testing.T, bus *Bus, source, pub Address, at time.Time) {
	t.Helper()
	env := mustBody(t, NewEnvelope(KindTick, source), TickBody{Timestamp: at.Unix()})
	if err := bus.Send(pub, env); err != nil {
		t.Fatalf("failed to send tick: %v", err)
	}
}

func TestPublisherAssignsOrderedSequences(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	parent := MakeAddress(testNode, "coordinator")
	pub := MakeAddress(testNode, "pub-orders")
	sub := MakeAddress(testNode, "sub-1")
	subInbox := testInbox(t, bus, sub)

	startPublisherEngine(t, bus, opener, clock.New(), pub, 0)
	initPublisher(t, bus, parent, pub, "orders", testPubConfig(config.PersistenceMemory(10)))

	if sr := subscribeTo(t, bus, sub, pub, "orders", nil, nil); !sr.Success {
		t.Fatalf("subscribe refused: %s", sr.Error)
	}

	for i, payload := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		publishFrom(t, bus, parent, pub, "orders", payload)
		env := recvEnvelope(t, subInbox)
		if env.Kind != KindPublish {
			t.Fatalf("expected publish, got %s", env.Kind)
		}
		if want := uint64(i + 1); env.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, env.Sequence)
		}
		if !bytes.Equal(env.Payload, payload) {
			t.Fatalf("payload altered in transit: %q", env.Payload)
		}
		if env.Topic != "orders" {
			t.Fatalf("unexpected topic %q", env.Topic)
		}
	}
}

func TestPublisherReplaysRetainedHistory(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	parent := MakeAddress(testNode, "coordinator")
	pub := MakeAddress(testNode, "pub-replay")
	sub := MakeAddress(testNode, "sub-late")
	subInbox := testInbox(t, bus, sub)

	startPublisherEngine(t, bus, opener, clock.New(), pub, 0)
	initPublisher(t, bus, parent, pub, "logs", testPubConfig(config.PersistenceMemory(2)))

	// three publishes against a history of two: "a" is evicted
	publishFrom(t, bus, parent, pub, "logs", []byte("a"))
	publishFrom(t, bus, parent, pub, "logs", []byte("b"))
	publishFrom(t, bus, parent, pub, "logs", []byte("c"))

	if sr := subscribeTo(t, bus, sub, pub, "logs", uptr(1), nil); !sr.Success {
		t.Fatalf("subscribe refused: %s", sr.Error)
	}

	first := recvEnvelope(t, subInbox)
	if first.Sequence != 2 || !bytes.Equal(first.Payload, []byte("b")) {
		t.Fatalf("expected replay of b at sequence 2, got %q at %d", first.Payload, first.Sequence)
	}
	second := recvEnvelope(t, subInbox)
	if second.Sequence != 3 || !bytes.Equal(second.Payload, []byte("c")) {
		t.Fatalf("expected replay of c at sequence 3, got %q at %d", second.Payload, second.Sequence)
	}
	expectSilence(t, subInbox)
}

func TestPublisherRefusesForeignTopicSubscribe(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	parent := MakeAddress(testNode, "coordinator")
	pub := MakeAddress(testNode, "pub-topic")
	sub := MakeAddress(testNode, "sub-1")

	startPublisherEngine(t, bus, opener, clock.New(), pub, 0)
	initPublisher(t, bus, parent, pub, "served", testPubConfig(config.PersistenceNone()))

	sr := subscribeTo(t, bus, sub, pub, "other", nil, nil)
	if sr.Success {
		t.Fatal("expected subscribe for an unserved topic to be refused")
	}
	if sr.Error == "" {
		t.Fatal("expected an error description in the refusal")
	}
}

func TestPublisherIgnoresNonParentPublish(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	parent := MakeAddress(testNode, "coordinator")
	stranger := MakeAddress(testNode, "stranger")
	pub := MakeAddress(testNode, "pub-auth")
	sub := MakeAddress(testNode, "sub-1")
	subInbox := testInbox(t, bus, sub)

	startPublisherEngine(t, bus, opener, clock.New(), pub, 0)
	initPublisher(t, bus, parent, pub, "secure", testPubConfig(config.PersistenceMemory(10)))
	if sr := subscribeTo(t, bus, sub, pub, "secure", nil, nil); !sr.Success {
		t.Fatalf("subscribe refused: %s", sr.Error)
	}

	publishFrom(t, bus, stranger, pub, "secure", []byte("spoofed"))
	publishFrom(t, bus, parent, pub, "secure", []byte("real"))

	env := recvEnvelope(t, subInbox)
	if env.Sequence != 1 || !bytes.Equal(env.Payload, []byte("real")) {
		t.Fatalf("expected only the parent's publish at sequence 1, got %q at %d", env.Payload, env.Sequence)
	}
	expectSilence(t, subInbox)
}

func TestPublisherUnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	parent := MakeAddress(testNode, "coordinator")
	pub := MakeAddress(testNode, "pub-unsub")
	sub := MakeAddress(testNode, "sub-1")
	subInbox := testInbox(t, bus, sub)

	startPublisherEngine(t, bus, opener, clock.New(), pub, 0)
	initPublisher(t, bus, parent, pub, "news", testPubConfig(config.PersistenceNone()))
	if sr := subscribeTo(t, bus, sub, pub, "news", nil, nil); !sr.Success {
		t.Fatalf("subscribe refused: %s", sr.Error)
	}

	unsub := func() UnsubscribeResponse {
		req := mustBody(t, NewEnvelope(KindUnsubscribe, sub), UnsubscribeRequest{Topic: "news"})
		resp, err := bus.Call(testContext(t), sub, pub, req, 2*time.Second)
		if err != nil {
			t.Fatalf("unsubscribe call failed: %v", err)
		}
		return decodeAs[UnsubscribeResponse](t, resp)
	}

	if ur := unsub(); !ur.Success {
		t.Fatalf("unsubscribe refused: %s", ur.Error)
	}
	// removing an already-removed subscriber still succeeds
	if ur := unsub(); !ur.Success {
		t.Fatalf("repeated unsubscribe refused: %s", ur.Error)
	}

	publishFrom(t, bus, parent, pub, "news", []byte("gone"))
	expectSilence(t, subInbox)
}

func TestPublisherRetriesThenDemotes(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	clk := clock.NewMock()
	parent := MakeAddress(testNode, "coordinator")
	pub := MakeAddress(testNode, "pub-retry")
	sub := MakeAddress(testNode, "sub-flaky")
	subInbox := testInbox(t, bus, sub)

	cfg := config.PubConfig{
		MaxRetryAttempts:  1,
		RetryInterval:     time.Minute,
		HeartbeatInterval: 30 * time.Second,
		Persistence:       config.PersistenceMemory(10),
	}

	startPublisherEngine(t, bus, opener, clk, pub, 0)
	initPublisher(t, bus, parent, pub, "flaky", cfg)
	if sr := subscribeTo(t, bus, sub, pub, "flaky", nil, nil); !sr.Success {
		t.Fatalf("subscribe refused: %s", sr.Error)
	}

	publishFrom(t, bus, parent, pub, "flaky", []byte("p1"))
	if env := recvEnvelope(t, subInbox); env.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", env.Sequence)
	}

	// a tick before the retry interval elapses resends nothing
	sendTick(t, bus, parent, pub, clk.Now())
	expectSilence(t, subInbox)

	// past the interval the unacknowledged delivery is resent once
	clk.Add(cfg.RetryInterval)
	sendTick(t, bus, parent, pub, clk.Now())
	resent := recvEnvelope(t, subInbox)
	if resent.Sequence != 1 || !bytes.Equal(resent.Payload, []byte("p1")) {
		t.Fatalf("expected resend of p1 at sequence 1, got %q at %d", resent.Payload, resent.Sequence)
	}

	// the retry budget is spent, so the next stale scan demotes the subscriber
	clk.Add(cfg.RetryInterval)
	sendTick(t, bus, parent, pub, clk.Now())

	publishFrom(t, bus, parent, pub, "flaky", []byte("p2"))
	expectSilence(t, subInbox)

	// a fresh subscribe reinstates the demoted subscriber
	if sr := subscribeTo(t, bus, sub, pub, "flaky", nil, nil); !sr.Success {
		t.Fatalf("resubscribe refused: %s", sr.Error)
	}
	publishFrom(t, bus, parent, pub, "flaky", []byte("p3"))
	if env := recvEnvelope(t, subInbox); env.Sequence != 3 || !bytes.Equal(env.Payload, []byte("p3")) {
		t.Fatalf("expected p3 at sequence 3, got %q at %d", env.Payload, env.Sequence)
	}
}

func TestPublisherAckStopsRetries(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	clk := clock.NewMock()
	parent := MakeAddress(testNode, "coordinator")
	pub := MakeAddress(testNode, "pub-ack")
	sub := MakeAddress(testNode, "sub-1")
	subInbox := testInbox(t, bus, sub)

	startPublisherEngine(t, bus, opener, clk, pub, 0)
	initPublisher(t, bus, parent, pub, "acks", testPubConfig(config.PersistenceMemory(10)))
	if sr := subscribeTo(t, bus, sub, pub, "acks", nil, nil); !sr.Success {
		t.Fatalf("subscribe refused: %s", sr.Error)
	}

	publishFrom(t, bus, parent, pub, "acks", []byte("m"))
	if env := recvEnvelope(t, subInbox); env.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", env.Sequence)
	}

	ack := mustBody(t, NewEnvelope(KindAck, sub), AckBody{Topic: "acks", Sequence: 1})
	if err := bus.Send(pub, ack); err != nil {
		t.Fatalf("failed to send ack: %v", err)
	}

	clk.Add(2 * time.Minute)
	sendTick(t, bus, parent, pub, clk.Now())
	expectSilence(t, subInbox)
}

func TestPublisherHeartbeatReportsBusy(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	parent := MakeAddress(testNode, "coordinator")
	pub := MakeAddress(testNode, "pub-hb")
	sub := MakeAddress(testNode, "sub-1")
	subInbox := testInbox(t, bus, sub)

	startPublisherEngine(t, bus, opener, clock.New(), pub, 1)
	initPublisher(t, bus, parent, pub, "load", testPubConfig(config.PersistenceMemory(10)))

	heartbeat := func() HeartbeatResponse {
		req := mustBody(t, NewEnvelope(KindHeartbeat, parent), HeartbeatRequest{Timestamp: 42})
		resp, err := bus.Call(testContext(t), parent, pub, req, 2*time.Second)
		if err != nil {
			t.Fatalf("heartbeat call failed: %v", err)
		}
		return decodeAs[HeartbeatResponse](t, resp)
	}

	if hr := heartbeat(); hr.Status != HeartbeatOk {
		t.Fatalf("expected ok, got %s", hr.Status)
	}
	if hr := heartbeat(); hr.Timestamp != 42 {
		t.Fatal("expected the request timestamp to be echoed")
	}

	if sr := subscribeTo(t, bus, sub, pub, "load", nil, nil); !sr.Success {
		t.Fatalf("subscribe refused: %s", sr.Error)
	}
	publishFrom(t, bus, parent, pub, "load", []byte("1"))
	publishFrom(t, bus, parent, pub, "load", []byte("2"))
	recvEnvelope(t, subInbox)
	recvEnvelope(t, subInbox)

	// two unacknowledged deliveries against a threshold of one
	if hr := heartbeat(); hr.Status != HeartbeatBusy {
		t.Fatalf("expected busy, got %s", hr.Status)
	}
}

func TestPublisherResumesFromSnapshot(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	parent := MakeAddress(testNode, "coordinator")
	pub := MakeAddress(testNode, "pub-resume")
	sub := MakeAddress(testNode, "sub-1")
	subInbox := testInbox(t, bus, sub)

	first := startPublisherEngine(t, bus, opener, clock.New(), pub, 0)
	initPublisher(t, bus, parent, pub, "state", testPubConfig(config.PersistenceMemory(10)))
	if sr := subscribeTo(t, bus, sub, pub, "state", nil, nil); !sr.Success {
		t.Fatalf("subscribe refused: %s", sr.Error)
	}
	publishFrom(t, bus, parent, pub, "state", []byte("before"))
	recvEnvelope(t, subInbox)

	kill := mustBody(t, NewEnvelope(KindKill, parent), KillRequest{})
	if err := bus.Send(pub, kill); err != nil {
		t.Fatalf("failed to send kill: %v", err)
	}
	if err := first.wait(t); err != nil {
		t.Fatalf("expected clean termination, got %v", err)
	}

	// the replacement restores the snapshot: sequence counter and
	// subscriber registry both survive
	startPublisherEngine(t, bus, opener, clock.New(), pub, 0)
	publishFrom(t, bus, parent, pub, "state", []byte("after"))
	env := recvEnvelope(t, subInbox)
	if env.Sequence != 2 || !bytes.Equal(env.Payload, []byte("after")) {
		t.Fatalf("expected sequence to continue at 2, got %q at %d", env.Payload, env.Sequence)
	}
}

func TestPublisherKillClearsState(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	parent := MakeAddress(testNode, "coordinator")
	pub := MakeAddress(testNode, "pub-clear")

	first := startPublisherEngine(t, bus, opener, clock.New(), pub, 0)
	initPublisher(t, bus, parent, pub, "wiped", testPubConfig(config.PersistenceMemory(10)))
	publishFrom(t, bus, parent, pub, "wiped", []byte("gone"))

	kill := mustBody(t, NewEnvelope(KindKill, parent), KillRequest{ClearState: true})
	if err := bus.Send(pub, kill); err != nil {
		t.Fatalf("failed to send kill: %v", err)
	}
	if err := first.wait(t); err != nil {
		t.Fatalf("expected clean termination, got %v", err)
	}

	// with the snapshot erased the replacement is uninitialized again and a
	// non-init first message is a fatal startup failure
	second := startPublisherEngine(t, bus, opener, clock.New(), pub, 0)
	stray := mustBody(t, NewEnvelope(KindSubscribe, parent), SubscribeRequest{Topic: "wiped"})
	if err := bus.Send(pub, stray); err != nil {
		t.Fatalf("failed to send stray message: %v", err)
	}
	if err := second.wait(t); !errspkg.IsInitError(err) {
		t.Fatalf("expected an init error, got %v", err)
	}
}

// breakableOpener hands out stores whose writes can be switched to fail.
type breakableOpener struct {
	inner kvstore.Opener

	mu     sync.Mutex
	broken bool
}

func (o *breakableOpener) setBroken(v bool) {
	o.mu.Lock()
	o.broken = v
	o.mu.Unlock()
}

func (o *breakableOpener) isBroken() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.broken
}

func (o *breakableOpener) Open(namespace string) (kvstore.Store, error) {
	st, err := o.inner.Open(namespace)
	if err != nil {
		return nil, err
	}
	return &breakableStore{inner: st, opener: o}, nil
}

func (o *breakableOpener) Close() error { return o.inner.Close() }

type breakableStore struct {
	inner  kvstore.Store
	opener *breakableOpener
}

func (s *breakableStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, key)
}

func (s *breakableStore) Set(ctx context.Context, key string, value []byte) error {
	if s.opener.isBroken() {
		return errors.New("store unavailable")
	}
	return s.inner.Set(ctx, key, value)
}

func (s *breakableStore) Delete(ctx context.Context, key string) error {
	if s.opener.isBroken() {
		return errors.New("store unavailable")
	}
	return s.inner.Delete(ctx, key)
}

func (s *breakableStore) Drop(ctx context.Context) error { return s.inner.Drop(ctx) }

func TestPublisherEvictionMetricRequiresSuccessfulAppend(t *testing.T) {
	bus := newTestBus(t)
	opener := &breakableOpener{inner: kvstore.NewMemoryOpener()}
	metrics := NewMetrics(nil)
	parent := MakeAddress(testNode, "coordinator")
	pub := MakeAddress(testNode, "pub-metric")

	eng, err := NewPublisherEngine(PublisherEngineOptions{
		Bus:     bus,
		Address: pub,
		Opener:  opener,
		Clock:   clock.New(),
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("failed to build publisher engine: %v", err)
	}
	runEngine(t, eng, pub)
	initPublisher(t, bus, parent, pub, "evict", testPubConfig(config.PersistenceDisk(1)))

	// a heartbeat round trip guarantees earlier publishes were processed
	barrier := func() {
		req := mustBody(t, NewEnvelope(KindHeartbeat, parent), HeartbeatRequest{})
		if _, err := bus.Call(testContext(t), parent, pub, req, 2*time.Second); err != nil {
			t.Fatalf("heartbeat call failed: %v", err)
		}
	}
	evictions := func() float64 {
		return testutil.ToFloat64(metrics.evictionsTotal.WithLabelValues(config.TierDisk))
	}

	publishFrom(t, bus, parent, pub, "evict", []byte("a"))
	barrier()
	if got := evictions(); got != 0 {
		t.Fatalf("expected no evictions while under capacity, got %v", got)
	}

	// a publish at capacity whose append fails must not count an eviction
	opener.setBroken(true)
	publishFrom(t, bus, parent, pub, "evict", []byte("b"))
	barrier()
	if got := evictions(); got != 0 {
		t.Fatalf("expected no evictions after a failed append, got %v", got)
	}

	opener.setBroken(false)
	publishFrom(t, bus, parent, pub, "evict", []byte("c"))
	barrier()
	if got := evictions(); got != 1 {
		t.Fatalf("expected one eviction after a successful append at capacity, got %v", got)
	}
}

func TestPublisherRejectsForeignNodeInit(t *testing.T) {
	bus := newTestBus(t)
	opener := kvstore.NewMemoryOpener()
	pub := MakeAddress(testNode, "pub-foreign")

	proc := startPublisherEngine(t, bus, opener, clock.New(), pub, 0)
	initPublisher(t, bus, MakeAddress("elsewhere", "coordinator"), pub, "t", testPubConfig(config.PersistenceNone()))
	if err := proc.wait(t); !errspkg.IsInitError(err) {
		t.Fatalf("expected an init error, got %v", err)
	}
}
