// Package channel provides the in-process bus backend for seqflow. It is the
// default backend and the one used in tests.
//
// Delivery is strictly FIFO per topic: messages reach each inbox in publish
// order. The engine protocol depends on this, an init message must arrive at
// a fresh engine before anything else and fan-out order defines the
// subscriber's view of the stream. Each subscription owns an unbounded queue
// drained by a single goroutine, so publishing never blocks on a slow
// consumer and never reorders an inbox.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/seqflow/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "channel"

// OutputChannelBuffer sizes each inbox channel; overflow spills into the
// subscription's queue instead of blocking the publisher.
const OutputChannelBuffer = 1024

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("seqflow: channel transport is closed")

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new in-process transport. The same PubSub serves as both
// halves of the pair.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	ps := NewPubSub()
	return transport.Transport{
		Publisher:  ps,
		Subscriber: ps,
	}, nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// PubSub is an in-process publisher/subscriber pair with ordered delivery.
type PubSub struct {
	mu      sync.Mutex
	topics  map[string][]*subscription
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewPubSub creates an empty in-process bus.
func NewPubSub() *PubSub {
	return &PubSub{
		topics:  make(map[string][]*subscription),
		closing: make(chan struct{}),
	}
}

type subscription struct {
	topic string
	out   chan *message.Message
	wake  chan struct{}

	mu     sync.Mutex
	queue  []*message.Message
	closed bool
}

// Publish enqueues the messages for every current subscriber of topic, in
// call order. Messages published to a topic with no subscribers are dropped.
func (p *PubSub) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for _, msg := range messages {
		for _, sub := range p.topics[topic] {
			sub.enqueue(copyMessage(msg))
		}
	}
	return nil
}

// Subscribe opens an inbox for topic. The returned channel closes when ctx
// is cancelled or the transport closes.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	sub := &subscription{
		topic: topic,
		out:   make(chan *message.Message, OutputChannelBuffer),
		wake:  make(chan struct{}, 1),
	}
	p.topics[topic] = append(p.topics[topic], sub)
	p.wg.Add(1)
	go p.dispatch(ctx, sub)
	return sub.out, nil
}

// Close shuts the bus down and waits for every subscription goroutine to
// exit. Closing twice is a no-op, so the same PubSub can serve as both
// halves of a transport pair.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

// dispatch drains one subscription's queue into its inbox channel. A single
// goroutine per subscription keeps delivery order equal to publish order.
func (p *PubSub) dispatch(ctx context.Context, sub *subscription) {
	defer p.wg.Done()
	defer p.remove(sub)
	for {
		msg, ok := sub.pop()
		if !ok {
			select {
			case <-sub.wake:
				continue
			case <-ctx.Done():
				return
			case <-p.closing:
				return
			}
		}
		select {
		case sub.out <- msg:
		case <-ctx.Done():
			return
		case <-p.closing:
			return
		}
	}
}

func (p *PubSub) remove(sub *subscription) {
	p.mu.Lock()
	subs := p.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			p.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.queue = nil
	sub.mu.Unlock()
	close(sub.out)
}

func (sub *subscription) enqueue(msg *message.Message) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, msg)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) pop() (*message.Message, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.queue) == 0 {
		return nil, false
	}
	msg := sub.queue[0]
	sub.queue = sub.queue[1:]
	return msg, true
}

// copyMessage gives each subscriber its own message so acks and metadata
// edits never cross inboxes.
func copyMessage(m *message.Message) *message.Message {
	out := message.NewMessage(m.UUID, m.Payload)
	for k, v := range m.Metadata {
		out.Metadata.Set(k, v)
	}
	return out
}
