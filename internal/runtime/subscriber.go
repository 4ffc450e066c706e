package runtime

import (
	"context"
	"fmt"
	"time"

	errspkg "github.com/drblury/seqflow/internal/runtime/errors"
	"github.com/drblury/seqflow/internal/runtime/kvstore"
	"github.com/drblury/seqflow/internal/runtime/logging"
)

// subscriberState is the whole per-subscription state, persisted as one
// snapshot after the handshake succeeds.
type subscriberState struct {
	Publisher       Address   `json:"publisher"`
	Topic           string    `json:"topic"`
	LastReceivedSeq uint64    `json:"last_received_seq"`
	Parent          Address   `json:"parent"`
	ForwardTo       []Address `json:"forward_to"`
	Grant           []byte    `json:"grant,omitempty"`
}

// SubscriberEngineOptions configures a SubscriberEngine.
type SubscriberEngineOptions struct {
	Bus     *Bus
	Address Address
	Opener  kvstore.Opener
	Logger  logging.ServiceLogger
	// SubscribeTimeout bounds the initialization handshake and synchronous
	// resubscribes. Zero means 10 seconds.
	SubscribeTimeout time.Duration
}

// SubscriberEngine is the per-subscription actor. It subscribes to one topic
// on one publisher, tracks delivery progress, forwards received messages to
// its parent and peers, and acknowledges each delivery so the publisher's
// retry loop can settle.
type SubscriberEngine struct {
	bus              *Bus
	addr             Address
	opener           kvstore.Opener
	log              logging.ServiceLogger
	subscribeTimeout time.Duration

	st         subscriberState
	active     bool
	terminated bool

	ready chan struct{}
}

// NewSubscriberEngine builds an uninitialized engine. Run drives it.
func NewSubscriberEngine(opts SubscriberEngineOptions) (*SubscriberEngine, error) {
	if opts.Bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if opts.Address == "" {
		return nil, errspkg.ErrAddressRequired
	}
	if opts.Opener == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 10 * time.Second
	}
	return &SubscriberEngine{
		bus:              opts.Bus,
		addr:             opts.Address,
		opener:           opts.Opener,
		log:              opts.Logger.With(logging.LogFields{"engine": "subscriber", "address": string(opts.Address)}),
		subscribeTimeout: opts.SubscribeTimeout,
		ready:            make(chan struct{}),
	}, nil
}

// Ready closes once the engine's inbox is open, so creators can safely send
// the init message without racing the subscription.
func (e *SubscriberEngine) Ready() <-chan struct{} { return e.ready }

// Run processes the engine's inbox until termination or ctx cancellation.
// Initialization failures (bad init message, refused or timed-out handshake)
// are terminal: Run returns an *errors.InitError and the engine is never
// restarted.
func (e *SubscriberEngine) Run(ctx context.Context) error {
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
		e.active = true
		e.log.Info("subscriber restored from snapshot", logging.LogFields{
			"topic":     e.st.Topic,
			"publisher": string(e.st.Publisher),
			"last_seq":  e.st.LastReceivedSeq,
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
			if err := snap.clear(ctx); err != nil {
				e.log.Error("failed to clear snapshot on termination", err, nil)
			}
			e.log.Info("subscriber terminated", logging.LogFields{"topic": e.st.Topic})
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

// handleInit performs the subscription handshake: a synchronous Subscribe
// call to the publisher bounded by the subscribe timeout. The publisher's
// answer is relayed to whoever initialized the engine (normally the parent).
func (e *SubscriberEngine) handleInit(ctx context.Context, env *Envelope, snap *snapshotStore) error {
	if env.Kind != KindInitSubscriber {
		return errspkg.NewInitError(fmt.Sprintf("expected %s, got %s", KindInitSubscriber, env.Kind), nil)
	}

	var req InitSubscriberRequest
	if err := env.DecodeBody(&req); err != nil {
		return errspkg.NewInitError("malformed init body", err)
	}
	if req.Topic == "" || req.Parent == "" || req.Publisher == "" {
		return errspkg.NewInitError("init missing topic, parent, or publisher", nil)
	}

	subReq, err := NewEnvelope(KindSubscribe, e.addr).WithBody(SubscribeRequest{
		Topic:        req.Topic,
		FromSequence: req.FromSequence,
	})
	if err != nil {
		return errspkg.NewInitError("failed to encode subscribe", err)
	}
	subReq.WithGrant(env.Grant)

	resp, callErr := e.bus.Call(ctx, e.addr, req.Publisher, subReq, e.subscribeTimeout)

	var sr SubscribeResponse
	if callErr != nil {
		sr = SubscribeResponse{Success: false, Topic: req.Topic, Error: callErr.Error()}
	} else if err := resp.DecodeBody(&sr); err != nil {
		sr = SubscribeResponse{Success: false, Topic: req.Topic, Error: "malformed subscribe response: " + err.Error()}
	}

	e.relayResponse(env, req.Parent, sr)

	if !sr.Success {
		return errspkg.NewInitError("subscription handshake failed: "+sr.Error, callErr)
	}

	var fromSeq uint64
	if req.FromSequence != nil {
		fromSeq = *req.FromSequence
	}
	e.st = subscriberState{
		Publisher:       req.Publisher,
		Topic:           sr.Topic,
		LastReceivedSeq: fromSeq,
		Parent:          req.Parent,
		ForwardTo:       req.ForwardTo,
		Grant:           env.Grant,
	}
	e.active = true

	if err := snap.save(ctx, &e.st); err != nil {
		e.log.Error("failed to persist initial snapshot", err, nil)
	}
	e.log.Info("subscriber initialized", logging.LogFields{
		"topic":      sr.Topic,
		"publisher":  string(req.Publisher),
		"forward_to": len(req.ForwardTo),
	})
	return nil
}

// dispatch handles one envelope and reports whether state changed.
func (e *SubscriberEngine) dispatch(ctx context.Context, env *Envelope) bool {
	switch env.Kind {
	case KindPublish:
		return e.handlePublish(env)
	case KindSubscribe:
		e.handleResubscribe(ctx, env)
		return false
	case KindUnsubscribe:
		e.handleUnsubscribe(env)
		return false
	case KindHeartbeat:
		e.handleHeartbeat(env)
		return false
	case KindKill:
		if env.Source == e.st.Parent {
			e.terminated = true
		}
		return false
	case KindTick:
		// the subscriber has no timer-driven duties
		return false
	default:
		e.log.Debug("dropping unexpected message", logging.LogFields{
			"kind":   string(env.Kind),
			"source": string(env.Source),
		})
		return false
	}
}

// handlePublish relays a delivery: progress is monotonic, the payload passes
// through unmodified to the parent and every forward target, and the
// delivery is acknowledged to the publisher.
func (e *SubscriberEngine) handlePublish(env *Envelope) bool {
	if env.Topic != e.st.Topic {
		e.log.Debug("dropping publish for foreign topic", logging.LogFields{"topic": env.Topic})
		return false
	}

	if env.Sequence > e.st.LastReceivedSeq {
		e.st.LastReceivedSeq = env.Sequence
	}

	forward := NewPublishEnvelope(e.addr, env.Topic, env.Sequence, env.Payload)
	if err := e.bus.Send(e.st.Parent, forward); err != nil {
		e.log.Error("failed to forward to parent", err, nil)
	}
	for _, peer := range e.st.ForwardTo {
		if err := e.bus.Send(peer, NewPublishEnvelope(e.addr, env.Topic, env.Sequence, env.Payload)); err != nil {
			e.log.Error("failed to forward to peer", err, logging.LogFields{"peer": string(peer)})
		}
	}

	ack, err := NewEnvelope(KindAck, e.addr).WithBody(AckBody{Topic: env.Topic, Sequence: env.Sequence})
	if err != nil {
		e.log.Error("failed to encode ack", err, nil)
		return true
	}
	ack.WithGrant(e.st.Grant)
	if err := e.bus.Send(e.st.Publisher, ack); err != nil {
		e.log.Error("failed to acknowledge delivery", err, logging.LogFields{"sequence": env.Sequence})
	}
	return true
}

// handleResubscribe forwards a fresh Subscribe to the publisher reusing the
// stored grant, awaiting the response synchronously before relaying it.
func (e *SubscriberEngine) handleResubscribe(ctx context.Context, env *Envelope) {
	if env.Source != e.st.Parent {
		e.log.Debug("dropping resubscribe from non-parent", logging.LogFields{"source": string(env.Source)})
		return
	}

	var req SubscribeRequest
	if err := env.DecodeBody(&req); err != nil {
		e.log.Error("dropping malformed resubscribe", err, nil)
		return
	}

	subReq, err := NewEnvelope(KindSubscribe, e.addr).WithBody(req)
	if err != nil {
		e.log.Error("failed to encode resubscribe", err, nil)
		return
	}
	subReq.WithGrant(e.st.Grant)

	resp, callErr := e.bus.Call(ctx, e.addr, e.st.Publisher, subReq, e.subscribeTimeout)

	var sr SubscribeResponse
	if callErr != nil {
		sr = SubscribeResponse{Success: false, Topic: req.Topic, Error: callErr.Error()}
	} else if err := resp.DecodeBody(&sr); err != nil {
		sr = SubscribeResponse{Success: false, Topic: req.Topic, Error: "malformed subscribe response: " + err.Error()}
	}
	e.relayResponse(env, e.st.Parent, sr)
}

// handleUnsubscribe forwards the unsubscribe to the publisher, then
// terminates permanently; the snapshot is cleared on the way out.
func (e *SubscriberEngine) handleUnsubscribe(env *Envelope) {
	if env.Source != e.st.Parent {
		e.log.Debug("dropping unsubscribe from non-parent", logging.LogFields{"source": string(env.Source)})
		return
	}

	unsub, err := NewEnvelope(KindUnsubscribe, e.addr).WithBody(UnsubscribeRequest{Topic: e.st.Topic})
	if err != nil {
		e.log.Error("failed to encode unsubscribe", err, nil)
	} else {
		unsub.WithGrant(e.st.Grant)
		if err := e.bus.Send(e.st.Publisher, unsub); err != nil {
			e.log.Error("failed to forward unsubscribe", err, nil)
		}
	}

	e.reply(env, KindUnsubscribeResponse, UnsubscribeResponse{Success: true, Topic: e.st.Topic})
	e.terminated = true
}

func (e *SubscriberEngine) handleHeartbeat(env *Envelope) {
	var hb HeartbeatRequest
	if err := env.DecodeBody(&hb); err != nil {
		e.log.Error("dropping malformed heartbeat", err, nil)
		return
	}
	e.reply(env, KindHeartbeatResponse, HeartbeatResponse{Timestamp: hb.Timestamp, Status: HeartbeatOk})
}

// relayResponse answers the triggering request when it asked for a reply,
// and otherwise sends the response to the parent's inbox.
func (e *SubscriberEngine) relayResponse(req *Envelope, parent Address, sr SubscribeResponse) {
	resp, err := NewEnvelope(KindSubscribeResponse, e.addr).WithBody(sr)
	if err != nil {
		e.log.Error("failed to encode subscribe response", err, nil)
		return
	}
	if req.ReplyTo != "" {
		if err := e.bus.Reply(req, resp); err != nil {
			e.log.Error("failed to answer request", err, nil)
		}
		return
	}
	if err := e.bus.Send(parent, resp); err != nil {
		e.log.Error("failed to relay response to parent", err, nil)
	}
}

func (e *SubscriberEngine) reply(req *Envelope, kind Kind, body any) {
	resp, err := NewEnvelope(kind, e.addr).WithBody(body)
	if err != nil {
		e.log.Error("failed to encode response", err, nil)
		return
	}
	if err := e.bus.Reply(req, resp); err != nil {
		e.log.Error("failed to send response", err, logging.LogFields{"kind": string(kind)})
	}
}
