package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/benbjohnson/clock"

	"github.com/drblury/seqflow/internal/runtime/config"
	errspkg "github.com/drblury/seqflow/internal/runtime/errors"
	"github.com/drblury/seqflow/internal/runtime/kvstore"
	"github.com/drblury/seqflow/internal/runtime/logging"
)

// DeliveryHandler receives each message forwarded by a subscription the
// coordinator owns. It runs on the coordinator's inbox goroutine, so it must
// not block for long.
type DeliveryHandler func(topic string, sequence uint64, payload []byte)

// publisherRef is the coordinator's record of one spawned topic publisher.
type publisherRef struct {
	Address Address          `json:"address"`
	Config  config.PubConfig `json:"config"`
}

// subscriptionRef is the coordinator's record of one owned subscription.
type subscriptionRef struct {
	Address      Address `json:"address"`
	Publisher    Address `json:"publisher"`
	Topic        string  `json:"topic"`
	LastSequence uint64  `json:"last_sequence"`
}

// coordinatorState is snapshotted so a restarted node can respawn its
// engines; the engines themselves restore their own state.
type coordinatorState struct {
	Publishers    map[string]publisherRef    `json:"publishers"`
	Subscriptions map[string]subscriptionRef `json:"subscriptions"`
}

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// FromSequence requests replay of retained history starting at this
	// sequence. Nil means new messages only.
	FromSequence *uint64
	// ForwardTo lists extra addresses every delivery is forwarded to,
	// besides the coordinator itself.
	ForwardTo []Address
	// Grant is the opaque access token the publisher's owner handed out.
	Grant []byte
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Bus        *Bus
	Node       string
	Launcher   Launcher
	Opener     kvstore.Opener
	Clock      clock.Clock
	Logger     logging.ServiceLogger
	Conf       config.Config
	OnDelivery DeliveryHandler
}

// Coordinator is the node-local registry and API surface. It spawns and
// addresses the per-topic publisher engines and per-subscription subscriber
// engines, acts as their parent, and receives the deliveries its
// subscriptions forward. Unlike the engines it is called concurrently, so
// its state is mutex-guarded rather than inbox-serialized.
type Coordinator struct {
	bus        *Bus
	addr       Address
	node       string
	launcher   Launcher
	clk        clock.Clock
	log        logging.ServiceLogger
	conf       config.Config
	onDelivery DeliveryHandler
	snap       *snapshotStore

	mu      sync.Mutex
	st      coordinatorState
	tickers map[string]*Ticker
	started bool

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator builds the coordinator; Start brings it up.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if opts.Node == "" {
		return nil, errspkg.ErrAddressRequired
	}
	if opts.Launcher == nil {
		return nil, errspkg.ErrLauncherRequired
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
	conf := opts.Conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	addr := MakeAddress(opts.Node, "coordinator")
	snap, err := newSnapshotStore(opts.Opener, engineNamespace(addr))
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		bus:        opts.Bus,
		addr:       addr,
		node:       opts.Node,
		launcher:   opts.Launcher,
		clk:        opts.Clock,
		log:        opts.Logger.With(logging.LogFields{"component": "coordinator", "node": opts.Node}),
		conf:       conf,
		onDelivery: opts.OnDelivery,
		snap:       snap,
		st: coordinatorState{
			Publishers:    make(map[string]publisherRef),
			Subscriptions: make(map[string]subscriptionRef),
		},
		tickers: make(map[string]*Ticker),
		done:    make(chan struct{}),
	}, nil
}

// Address returns the coordinator's own inbox address. Subscriptions it owns
// forward their deliveries here.
func (c *Coordinator) Address() Address { return c.addr }

// Start restores the coordinator's snapshot, respawns the engines it
// recorded, and begins consuming the coordinator inbox. The respawned
// engines pick up their own snapshots; no init messages are resent.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	restored, err := c.snap.load(ctx, &c.st)
	if err != nil {
		return err
	}
	if c.st.Publishers == nil {
		c.st.Publishers = make(map[string]publisherRef)
	}
	if c.st.Subscriptions == nil {
		c.st.Subscriptions = make(map[string]subscriptionRef)
	}

	c.runCtx, c.cancel = context.WithCancel(ctx)

	if restored {
		for topic, ref := range c.st.Publishers {
			if _, err := c.launcher.Spawn(c.runCtx, ExecutableRef{Kind: EnginePublisher, Name: ref.Address.Process()}, RestartOnFailure); err != nil {
				c.cancel()
				return fmt.Errorf("seqflow: failed to respawn publisher for %q: %w", topic, err)
			}
			c.startTicker(topic, ref)
		}
		for key, sub := range c.st.Subscriptions {
			if _, err := c.launcher.Spawn(c.runCtx, ExecutableRef{Kind: EngineSubscriber, Name: sub.Address.Process()}, RestartOnFailure); err != nil {
				c.cancel()
				return fmt.Errorf("seqflow: failed to respawn subscription %q: %w", key, err)
			}
		}
		c.log.Info("coordinator restored", logging.LogFields{
			"publishers":    len(c.st.Publishers),
			"subscriptions": len(c.st.Subscriptions),
		})
	}

	inbox, err := c.bus.Inbox(c.runCtx, c.addr)
	if err != nil {
		c.cancel()
		return err
	}
	go c.run(inbox)

	c.started = true
	return nil
}

// Close stops the tickers and the inbox loop. Spawned engines keep running
// until the context passed to Start is cancelled.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	tickers := c.tickers
	c.tickers = make(map[string]*Ticker)
	cancel := c.cancel
	c.mu.Unlock()

	for _, t := range tickers {
		t.Stop()
	}
	cancel()
	<-c.done
}

// run consumes the coordinator inbox: forwarded deliveries advance the
// owning subscription's progress and reach the delivery handler.
func (c *Coordinator) run(inbox <-chan *message.Message) {
	defer close(c.done)
	for msg := range inbox {
		env, err := DecodeEnvelope(msg)
		msg.Ack()
		if err != nil {
			c.log.Error("dropping malformed message", err, nil)
			continue
		}

		switch env.Kind {
		case KindPublish:
			c.noteDelivered(env)
			if c.onDelivery != nil {
				c.onDelivery(env.Topic, env.Sequence, env.Payload)
			}
		case KindSubscribeResponse:
			// late relay of an unawaited handshake, informational only
			var sr SubscribeResponse
			if err := env.DecodeBody(&sr); err == nil {
				c.log.Info("subscribe response", logging.LogFields{
					"topic":   sr.Topic,
					"success": sr.Success,
					"error":   sr.Error,
				})
			}
		default:
			c.log.Debug("dropping unexpected message", logging.LogFields{
				"kind":   string(env.Kind),
				"source": string(env.Source),
			})
		}
	}
}

// noteDelivered advances the subscription matching the forwarding engine.
func (c *Coordinator) noteDelivered(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, sub := range c.st.Subscriptions {
		if sub.Address != env.Source {
			continue
		}
		if env.Sequence > sub.LastSequence {
			sub.LastSequence = env.Sequence
			c.st.Subscriptions[key] = sub
			c.saveLocked()
		}
		return
	}
}

// CreateTopic spawns a publisher engine for the topic and initializes it
// with the given config. Creating an existing topic returns the existing
// engine's address.
func (c *Coordinator) CreateTopic(ctx context.Context, topic string, cfg config.PubConfig) (Address, error) {
	if topic == "" {
		return "", errspkg.ErrTopicRequired
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return "", errspkg.ErrNotInitialized
	}
	if ref, ok := c.st.Publishers[topic]; ok {
		return ref.Address, nil
	}

	addr, err := c.launcher.Spawn(c.runCtx, ExecutableRef{Kind: EnginePublisher, Name: "pub-" + topic}, RestartOnFailure)
	if err != nil {
		return "", err
	}

	init, err := NewEnvelope(KindInitPublisher, c.addr).WithBody(InitPublisherRequest{Topic: topic, Config: cfg})
	if err != nil {
		return "", err
	}
	if err := c.bus.Send(addr, init); err != nil {
		return "", err
	}

	ref := publisherRef{Address: addr, Config: cfg}
	c.st.Publishers[topic] = ref
	c.startTicker(topic, ref)
	c.saveLocked()

	c.log.Info("topic created", logging.LogFields{"topic": topic, "publisher": string(addr)})
	return addr, nil
}

// Publish hands the payload to the topic's publisher engine, which assigns
// the sequence number. A topic never seen before is created on the fly with
// the node's default config.
func (c *Coordinator) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	ref, ok := c.st.Publishers[topic]
	c.mu.Unlock()
	if !ok {
		addr, err := c.CreateTopic(ctx, topic, c.conf.Defaults)
		if err != nil {
			return err
		}
		ref = publisherRef{Address: addr}
	}
	return c.bus.Send(ref.Address, NewPublishEnvelope(c.addr, topic, 0, payload))
}

// Subscribe establishes (or refreshes) a subscription to topic on the given
// publisher engine. A new subscription spawns a subscriber engine and awaits
// its handshake; an existing one is resubscribed in place, which replays
// retained history when FromSequence asks for it.
func (c *Coordinator) Subscribe(ctx context.Context, publisher Address, topic string, opts SubscribeOptions) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if publisher == "" {
		return errspkg.ErrAddressRequired
	}

	key := subscriptionKey(publisher, topic)
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return errspkg.ErrNotInitialized
	}
	existing, ok := c.st.Subscriptions[key]
	c.mu.Unlock()

	if ok {
		return c.resubscribe(ctx, existing, opts)
	}

	addr, err := c.launcher.Spawn(c.runCtx, ExecutableRef{Kind: EngineSubscriber, Name: ""}, RestartOnFailure)
	if err != nil {
		return err
	}

	init, err := NewEnvelope(KindInitSubscriber, c.addr).WithBody(InitSubscriberRequest{
		Topic:        topic,
		Parent:       c.addr,
		Publisher:    publisher,
		ForwardTo:    opts.ForwardTo,
		FromSequence: opts.FromSequence,
	})
	if err != nil {
		return err
	}
	init.WithGrant(opts.Grant)

	// the engine's own handshake is bounded by the same timeout; leave it
	// headroom to relay its outcome
	resp, err := c.bus.Call(ctx, c.addr, addr, init, c.conf.SubscribeTimeout+time.Second)
	if err != nil {
		return err
	}
	var sr SubscribeResponse
	if err := resp.DecodeBody(&sr); err != nil {
		return err
	}
	if !sr.Success {
		return fmt.Errorf("seqflow: subscribe to %q refused: %s", topic, sr.Error)
	}

	var last uint64
	if opts.FromSequence != nil {
		last = *opts.FromSequence
	}
	c.mu.Lock()
	c.st.Subscriptions[key] = subscriptionRef{
		Address:      addr,
		Publisher:    publisher,
		Topic:        topic,
		LastSequence: last,
	}
	c.saveLocked()
	c.mu.Unlock()

	c.log.Info("subscribed", logging.LogFields{"topic": topic, "publisher": string(publisher)})
	return nil
}

// resubscribe asks the existing subscriber engine to renew its registration.
func (c *Coordinator) resubscribe(ctx context.Context, sub subscriptionRef, opts SubscribeOptions) error {
	req, err := NewEnvelope(KindSubscribe, c.addr).WithBody(SubscribeRequest{
		Topic:        sub.Topic,
		FromSequence: opts.FromSequence,
	})
	if err != nil {
		return err
	}

	resp, err := c.bus.Call(ctx, c.addr, sub.Address, req, c.conf.SubscribeTimeout+time.Second)
	if err != nil {
		return err
	}
	var sr SubscribeResponse
	if err := resp.DecodeBody(&sr); err != nil {
		return err
	}
	if !sr.Success {
		return fmt.Errorf("seqflow: resubscribe to %q refused: %s", sub.Topic, sr.Error)
	}
	return nil
}

// Unsubscribe tears down the subscription; the subscriber engine deregisters
// itself with the publisher and terminates.
func (c *Coordinator) Unsubscribe(ctx context.Context, publisher Address, topic string) error {
	key := subscriptionKey(publisher, topic)
	c.mu.Lock()
	sub, ok := c.st.Subscriptions[key]
	c.mu.Unlock()
	if !ok {
		return errspkg.ErrNoSubscription
	}

	req, err := NewEnvelope(KindUnsubscribe, c.addr).WithBody(UnsubscribeRequest{Topic: topic})
	if err != nil {
		return err
	}
	resp, err := c.bus.Call(ctx, c.addr, sub.Address, req, c.conf.SubscribeTimeout)
	if err != nil {
		return err
	}
	var ur UnsubscribeResponse
	if err := resp.DecodeBody(&ur); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.st.Subscriptions, key)
	c.saveLocked()
	c.mu.Unlock()

	c.log.Info("unsubscribed", logging.LogFields{"topic": topic, "publisher": string(publisher)})
	return nil
}

// RemoveTopic kills the topic's publisher engine. When clearState is set the
// engine also erases its snapshot and retained history on the way out.
func (c *Coordinator) RemoveTopic(ctx context.Context, topic string, clearState bool) error {
	c.mu.Lock()
	ref, ok := c.st.Publishers[topic]
	if !ok {
		c.mu.Unlock()
		return errspkg.ErrNoPublisher
	}
	delete(c.st.Publishers, topic)
	ticker := c.tickers[topic]
	delete(c.tickers, topic)
	c.saveLocked()
	c.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}

	kill, err := NewEnvelope(KindKill, c.addr).WithBody(KillRequest{ClearState: clearState})
	if err != nil {
		return err
	}
	if err := c.bus.Send(ref.Address, kill); err != nil {
		return err
	}
	c.log.Info("topic removed", logging.LogFields{"topic": topic, "cleared": clearState})
	return nil
}

// Heartbeat probes an engine and returns its status report.
func (c *Coordinator) Heartbeat(ctx context.Context, target Address) (*HeartbeatResponse, error) {
	req, err := NewEnvelope(KindHeartbeat, c.addr).WithBody(HeartbeatRequest{Timestamp: c.clk.Now().Unix()})
	if err != nil {
		return nil, err
	}
	resp, err := c.bus.Call(ctx, c.addr, target, req, c.conf.SubscribeTimeout)
	if err != nil {
		return nil, err
	}
	var hr HeartbeatResponse
	if err := resp.DecodeBody(&hr); err != nil {
		return nil, err
	}
	return &hr, nil
}

// Topics lists the topics with a publisher engine on this node, sorted.
func (c *Coordinator) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.st.Publishers))
	for topic := range c.st.Publishers {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// PublisherAddress resolves the engine address serving a topic.
func (c *Coordinator) PublisherAddress(topic string) (Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.st.Publishers[topic]
	return ref.Address, ok
}

// SubscribedTopics lists the topics this node is subscribed to, sorted.
func (c *Coordinator) SubscribedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(c.st.Subscriptions))
	for _, sub := range c.st.Subscriptions {
		seen[sub.Topic] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for topic := range seen {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// LastSequence reports the newest sequence delivered through the
// subscription to topic on publisher.
func (c *Coordinator) LastSequence(publisher Address, topic string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.st.Subscriptions[subscriptionKey(publisher, topic)]
	if !ok {
		return 0, false
	}
	return sub.LastSequence, true
}

// startTicker drives the publisher's periodic retry scan. Callers hold c.mu.
func (c *Coordinator) startTicker(topic string, ref publisherRef) {
	interval := ref.Config.HeartbeatInterval
	if interval <= 0 {
		interval = config.DefaultPubConfig().HeartbeatInterval
	}
	c.tickers[topic] = StartTicker(c.runCtx, c.bus, c.clk, c.addr, ref.Address, interval)
}

func (c *Coordinator) saveLocked() {
	if err := c.snap.save(context.Background(), &c.st); err != nil {
		c.log.Error("failed to persist coordinator snapshot", err, nil)
	}
}

func subscriptionKey(publisher Address, topic string) string {
	return string(publisher) + "|" + topic
}
