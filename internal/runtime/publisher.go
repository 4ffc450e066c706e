package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/seqflow/internal/runtime/config"
	errspkg "github.com/drblury/seqflow/internal/runtime/errors"
	"github.com/drblury/seqflow/internal/runtime/kvstore"
	"github.com/drblury/seqflow/internal/runtime/logging"
)

// retryInfo tracks one unacknowledged delivery to one subscriber.
type retryInfo struct {
	RetryCount uint32    `json:"retry_count"`
	LastSent   time.Time `json:"last_sent"`
}

// subscriberRecord is the publisher-side view of one registered subscriber.
type subscriberRecord struct {
	// Grant is the opaque access token the subscriber attached when it
	// subscribed; it is reattached when the publisher addresses it.
	Grant     []byte                `json:"grant,omitempty"`
	LastAcked uint64                `json:"last_acked_sequence"`
	Pending   map[uint64]*retryInfo `json:"pending_acks"`
}

// publisherState is the whole per-topic state, persisted as one snapshot.
type publisherState struct {
	Topic        string                        `json:"topic"`
	LastSequence uint64                        `json:"last_sequence"`
	Parent       Address                       `json:"parent"`
	Config       config.PubConfig              `json:"config"`
	Subscribers  map[Address]*subscriberRecord `json:"subscribers"`
	Offline      map[Address]uint32            `json:"offline_subscribers"`
	History      *MessageHistory               `json:"history"`
}

// PublisherEngineOptions configures a PublisherEngine.
type PublisherEngineOptions struct {
	Bus     *Bus
	Address Address
	Opener  kvstore.Opener
	Clock   clock.Clock
	Logger  logging.ServiceLogger
	Metrics *Metrics
	// BusyThreshold is the pending-delivery count above which heartbeats
	// report Busy. Zero means the config default.
	BusyThreshold int
}

// PublisherEngine is the per-topic actor. It owns the subscriber registry,
// the sequence counter, and the message history, and processes exactly one
// inbound envelope at a time: Uninitialized until a valid init message or a
// restored snapshot, then Active until Kill.
type PublisherEngine struct {
	bus           *Bus
	addr          Address
	opener        kvstore.Opener
	clk           clock.Clock
	log           logging.ServiceLogger
	metrics       *Metrics
	busyThreshold int

	st          publisherState
	active      bool
	terminated  bool
	clearOnExit bool

	ready chan struct{}
}

// NewPublisherEngine builds an uninitialized engine. Run drives it.
func NewPublisherEngine(opts PublisherEngineOptions) (*PublisherEngine, error) {
	if opts.Bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if opts.Address == "" {
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
	if opts.BusyThreshold <= 0 {
		opts.BusyThreshold = 1024
	}
	return &PublisherEngine{
		bus:           opts.Bus,
		addr:          opts.Address,
		opener:        opts.Opener,
		clk:           opts.Clock,
		log:           opts.Logger.With(logging.LogFields{"engine": "publisher", "address": string(opts.Address)}),
		metrics:       opts.Metrics,
		busyThreshold: opts.BusyThreshold,
		ready:         make(chan struct{}),
	}, nil
}

// Ready closes once the engine's inbox is open, so creators can safely send
// the init message without racing the subscription.
func (e *PublisherEngine) Ready() <-chan struct{} { return e.ready }

func engineNamespace(addr Address) string  { return "engine:" + string(addr) }
func historyNamespace(addr Address) string { return "history:" + string(addr) }

// Run processes the engine's inbox until termination or ctx cancellation.
// It returns nil on intentional termination, an *errors.InitError on a fatal
// initialization failure (never restarted), or ctx.Err().
func (e *PublisherEngine) Run(ctx context.Context) error {
	inbox, err := e.bus.Inbox(ctx, e.addr)
	if err != nil {
		return errspkg.NewInitError("failed to open inbox", err)
	}
	snap, err := newSnapshotStore(e.opener, engineNamespace(e.addr))
	if err != nil {
		return errspkg.NewInitError("failed to open snapshot store", err)
	}
	close(e.ready)

	restored, err := snap.load(ctx, &e.st)
	if err != nil {
		return errspkg.NewInitError("failed to load snapshot", err)
	}
	if restored {
		if err := e.st.History.attach(e.opener, historyNamespace(e.addr)); err != nil {
			return errspkg.NewInitError("failed to reattach history", err)
		}
		e.active = true
		e.log.Info("publisher restored from snapshot", logging.LogFields{
			"topic":         e.st.Topic,
			"last_sequence": e.st.LastSequence,
			"subscribers":   len(e.st.Subscribers),
		})
	}

	for msg := range inbox {
		env, derr := DecodeEnvelope(msg)
		msg.Ack()
		if derr != nil {
			if !e.active {
				return errspkg.NewInitError("malformed init message", derr)
			}
			e.log.Error("dropping malformed message", derr, nil)
			continue
		}

		if !e.active {
			if err := e.handleInit(ctx, env, snap); err != nil {
				return err
			}
			continue
		}

		mutated := e.dispatch(ctx, env)

		if e.terminated {
			if e.clearOnExit {
				if err := snap.clear(ctx); err != nil {
					e.log.Error("failed to clear snapshot on kill", err, nil)
				}
				if err := e.st.History.Clear(ctx); err != nil {
					e.log.Error("failed to clear history on kill", err, nil)
				}
			}
			e.log.Info("publisher terminated", logging.LogFields{"topic": e.st.Topic})
			return nil
		}

		if mutated {
			if err := snap.save(ctx, &e.st); err != nil {
				e.log.Error("failed to persist snapshot", err, nil)
			}
		}
	}
	return ctx.Err()
}

// handleInit consumes the first message of an engine without a snapshot. A
// wrong kind, a source outside the engine's node, an invalid config, or a
// history that cannot be constructed are all fatal; there is no restart.
func (e *PublisherEngine) handleInit(ctx context.Context, env *Envelope, snap *snapshotStore) error {
	if env.Kind != KindInitPublisher {
		return errspkg.NewInitError(fmt.Sprintf("expected %s, got %s", KindInitPublisher, env.Kind), nil)
	}
	if !e.addr.SameNode(env.Source) {
		return errspkg.NewInitError(fmt.Sprintf("init from foreign source %s", env.Source), nil)
	}

	var req InitPublisherRequest
	if err := env.DecodeBody(&req); err != nil {
		return errspkg.NewInitError("malformed init body", err)
	}
	if req.Topic == "" {
		return errspkg.NewInitError("init without topic", nil)
	}
	if err := req.Config.Validate(); err != nil {
		return errspkg.NewInitError("invalid config", err)
	}

	history, err := NewMessageHistory(req.Config.Persistence, e.opener, historyNamespace(e.addr))
	if err != nil {
		return errspkg.NewInitError("failed to construct history", err)
	}

	e.st = publisherState{
		Topic:       req.Topic,
		Parent:      env.Source,
		Config:      req.Config,
		Subscribers: make(map[Address]*subscriberRecord),
		Offline:     make(map[Address]uint32),
		History:     history,
	}
	e.active = true

	if err := snap.save(ctx, &e.st); err != nil {
		e.log.Error("failed to persist initial snapshot", err, nil)
	}
	e.log.Info("publisher initialized", logging.LogFields{
		"topic":  req.Topic,
		"parent": string(env.Source),
		"tier":   req.Config.Persistence.Tier,
	})
	return nil
}

// dispatch handles one envelope and reports whether state changed.
func (e *PublisherEngine) dispatch(ctx context.Context, env *Envelope) bool {
	switch env.Kind {
	case KindSubscribe:
		return e.handleSubscribe(ctx, env)
	case KindUnsubscribe:
		return e.handleUnsubscribe(env)
	case KindPublish:
		return e.handlePublish(ctx, env)
	case KindAck:
		return e.handleAck(env)
	case KindHeartbeat:
		e.handleHeartbeat(env)
		return false
	case KindTick:
		return e.handleTick(ctx)
	case KindKill:
		e.handleKill(env)
		return false
	default:
		e.log.Debug("dropping unexpected message", logging.LogFields{
			"kind":   string(env.Kind),
			"source": string(env.Source),
		})
		return false
	}
}

func (e *PublisherEngine) handleSubscribe(ctx context.Context, env *Envelope) bool {
	var req SubscribeRequest
	if err := env.DecodeBody(&req); err != nil {
		e.log.Error("dropping malformed subscribe", err, nil)
		return false
	}

	if req.Topic != e.st.Topic {
		e.reply(env, KindSubscribeResponse, SubscribeResponse{
			Success: false,
			Topic:   req.Topic,
			Error:   fmt.Sprintf("publisher does not serve topic %q, serves %q", req.Topic, e.st.Topic),
		})
		return false
	}

	// read the replay set before registering, so a storage failure aborts
	// the whole subscribe
	var replay []RetainedMessage
	if req.FromSequence != nil {
		var err error
		replay, err = e.st.History.ReadFrom(ctx, *req.FromSequence)
		if err != nil {
			e.log.Error("history read failed during subscribe", err, logging.LogFields{"from": *req.FromSequence})
			e.reply(env, KindSubscribeResponse, SubscribeResponse{
				Success: false,
				Topic:   req.Topic,
				Error:   "history unavailable: " + err.Error(),
			})
			return false
		}
	}

	rec, ok := e.st.Subscribers[env.Source]
	if !ok {
		rec = &subscriberRecord{Pending: make(map[uint64]*retryInfo)}
		e.st.Subscribers[env.Source] = rec
	}
	rec.Grant = env.Grant
	delete(e.st.Offline, env.Source)
	e.metrics.subscriberGauge.WithLabelValues(e.st.Topic).Set(float64(len(e.st.Subscribers)))

	e.reply(env, KindSubscribeResponse, SubscribeResponse{Success: true, Topic: req.Topic})

	// replay retained history as individual ordered publishes
	for _, m := range replay {
		if err := e.bus.Send(env.Source, NewPublishEnvelope(e.addr, e.st.Topic, m.Sequence, m.Content)); err != nil {
			e.log.Error("failed to send replayed message", err, logging.LogFields{"sequence": m.Sequence})
			continue
		}
		e.metrics.replayedTotal.WithLabelValues(e.st.Topic).Inc()
	}
	return true
}

func (e *PublisherEngine) handleUnsubscribe(env *Envelope) bool {
	var req UnsubscribeRequest
	if err := env.DecodeBody(&req); err != nil {
		e.log.Error("dropping malformed unsubscribe", err, nil)
		return false
	}

	if req.Topic != e.st.Topic {
		e.reply(env, KindUnsubscribeResponse, UnsubscribeResponse{
			Success: false,
			Topic:   req.Topic,
			Error:   fmt.Sprintf("publisher does not serve topic %q, serves %q", req.Topic, e.st.Topic),
		})
		return false
	}

	// idempotent: removing an unknown subscriber still succeeds
	delete(e.st.Subscribers, env.Source)
	delete(e.st.Offline, env.Source)
	e.metrics.subscriberGauge.WithLabelValues(e.st.Topic).Set(float64(len(e.st.Subscribers)))
	e.reply(env, KindUnsubscribeResponse, UnsubscribeResponse{Success: true, Topic: req.Topic})
	return true
}

func (e *PublisherEngine) handlePublish(ctx context.Context, env *Envelope) bool {
	if env.Source != e.st.Parent {
		// silent no-op, no response
		e.log.Debug("dropping publish from non-parent", logging.LogFields{"source": string(env.Source)})
		return false
	}

	newSeq := e.st.LastSequence + 1

	tier := e.st.Config.Persistence.Tier
	evicting := tier != config.TierNone && e.st.History.Len() >= e.st.Config.Persistence.MaxLength
	if err := e.st.History.Add(ctx, newSeq, env.Payload); err != nil {
		// storage failure aborts the publish; the sequence is not consumed
		e.log.Error("history append failed, dropping publish", err, logging.LogFields{"sequence": newSeq})
		return false
	}
	if evicting {
		e.metrics.evictionsTotal.WithLabelValues(tier).Inc()
	}
	e.st.LastSequence = newSeq
	e.metrics.publishedTotal.WithLabelValues(e.st.Topic).Inc()

	now := e.clk.Now()
	for subAddr, rec := range e.st.Subscribers {
		if err := e.bus.Send(subAddr, NewPublishEnvelope(e.addr, e.st.Topic, newSeq, env.Payload)); err != nil {
			e.log.Error("fan-out send failed", err, logging.LogFields{"subscriber": string(subAddr)})
		} else {
			e.metrics.fanOutTotal.WithLabelValues(e.st.Topic).Inc()
		}
		rec.Pending[newSeq] = &retryInfo{LastSent: now}
	}
	return true
}

func (e *PublisherEngine) handleAck(env *Envelope) bool {
	var ack AckBody
	if err := env.DecodeBody(&ack); err != nil {
		e.log.Error("dropping malformed ack", err, nil)
		return false
	}
	rec, ok := e.st.Subscribers[env.Source]
	if !ok || ack.Topic != e.st.Topic {
		return false
	}
	if ack.Sequence > rec.LastAcked {
		rec.LastAcked = ack.Sequence
	}
	delete(rec.Pending, ack.Sequence)
	e.metrics.acksTotal.WithLabelValues(e.st.Topic).Inc()
	return true
}

func (e *PublisherEngine) handleHeartbeat(env *Envelope) {
	var hb HeartbeatRequest
	if err := env.DecodeBody(&hb); err != nil {
		e.log.Error("dropping malformed heartbeat", err, nil)
		return
	}
	status := HeartbeatOk
	if e.pendingCount() > e.busyThreshold {
		status = HeartbeatBusy
	}
	e.reply(env, KindHeartbeatResponse, HeartbeatResponse{Timestamp: hb.Timestamp, Status: status})
}

// handleTick runs the retry scan: stale pendings below the retry budget are
// resent, subscribers over budget are demoted to the offline set and drop
// out of fan-out until they re-subscribe.
func (e *PublisherEngine) handleTick(ctx context.Context) bool {
	now := e.clk.Now()
	interval := e.st.Config.RetryInterval
	maxRetries := e.st.Config.MaxRetryAttempts

	mutated := false
	var demoted []Address
	for subAddr, rec := range e.st.Subscribers {
		var unresendable []uint64
		for seq, ri := range rec.Pending {
			if now.Sub(ri.LastSent) < interval {
				continue
			}
			if ri.RetryCount >= maxRetries {
				demoted = append(demoted, subAddr)
				break
			}
			content, ok, err := e.retainedContent(ctx, seq)
			if err != nil {
				e.log.Error("history read failed during retry", err, logging.LogFields{"sequence": seq})
				continue
			}
			if !ok {
				// the payload is no longer retained; the delivery can never
				// be resent, so stop tracking it
				unresendable = append(unresendable, seq)
				continue
			}
			if err := e.bus.Send(subAddr, NewPublishEnvelope(e.addr, e.st.Topic, seq, content)); err != nil {
				e.log.Error("retry send failed", err, logging.LogFields{"subscriber": string(subAddr)})
			}
			ri.RetryCount++
			ri.LastSent = now
			e.metrics.retriesTotal.WithLabelValues(e.st.Topic).Inc()
			mutated = true
		}
		for _, seq := range unresendable {
			delete(rec.Pending, seq)
			mutated = true
		}
	}

	for _, subAddr := range demoted {
		rec := e.st.Subscribers[subAddr]
		if rec == nil {
			continue
		}
		e.st.Offline[subAddr] = maxRetries
		delete(e.st.Subscribers, subAddr)
		e.metrics.demotionsTotal.WithLabelValues(e.st.Topic).Inc()
		e.log.Info("subscriber demoted to offline set", logging.LogFields{
			"subscriber": string(subAddr),
			"last_acked": rec.LastAcked,
		})
		mutated = true
	}
	if len(demoted) > 0 {
		e.metrics.subscriberGauge.WithLabelValues(e.st.Topic).Set(float64(len(e.st.Subscribers)))
	}
	return mutated
}

func (e *PublisherEngine) handleKill(env *Envelope) {
	if env.Source != e.st.Parent {
		e.log.Debug("dropping kill from non-parent", logging.LogFields{"source": string(env.Source)})
		return
	}
	var req KillRequest
	if err := env.DecodeBody(&req); err == nil {
		e.clearOnExit = req.ClearState
	}
	e.terminated = true
}

func (e *PublisherEngine) retainedContent(ctx context.Context, seq uint64) ([]byte, bool, error) {
	msgs, err := e.st.History.ReadFrom(ctx, seq)
	if err != nil {
		return nil, false, err
	}
	if len(msgs) == 0 || msgs[0].Sequence != seq {
		return nil, false, nil
	}
	return msgs[0].Content, true, nil
}

func (e *PublisherEngine) pendingCount() int {
	total := 0
	for _, rec := range e.st.Subscribers {
		total += len(rec.Pending)
	}
	return total
}

func (e *PublisherEngine) reply(req *Envelope, kind Kind, body any) {
	resp, err := NewEnvelope(kind, e.addr).WithBody(body)
	if err != nil {
		e.log.Error("failed to encode response", err, nil)
		return
	}
	if err := e.bus.Reply(req, resp); err != nil {
		e.log.Error("failed to send response", err, logging.LogFields{"kind": string(kind)})
	}
}
