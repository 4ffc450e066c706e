package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/seqflow/internal/runtime/errors"
	idspkg "github.com/drblury/seqflow/internal/runtime/ids"
	"github.com/drblury/seqflow/internal/runtime/logging"
	transportpkg "github.com/drblury/seqflow/transport"
)

// Bus carries envelopes between engine inboxes over a transport backend.
// Every engine owns one inbox topic equal to its address; Send never waits
// for the receiver, Call blocks until a correlated reply or its deadline.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     logging.ServiceLogger
}

// NewBus wraps a transport pair.
func NewBus(t transportpkg.Transport, logger logging.ServiceLogger) *Bus {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bus{
		publisher:  t.Publisher,
		subscriber: t.Subscriber,
		logger:     logger,
	}
}

// Inbox subscribes to the address's inbox. The channel closes when ctx is
// cancelled.
func (b *Bus) Inbox(ctx context.Context, addr Address) (<-chan *message.Message, error) {
	if addr == "" {
		return nil, errspkg.ErrAddressRequired
	}
	return b.subscriber.Subscribe(ctx, string(addr))
}

// Send delivers the envelope to the address's inbox, fire-and-forget.
func (b *Bus) Send(to Address, env *Envelope) error {
	if to == "" {
		return errspkg.ErrAddressRequired
	}
	return b.publisher.Publish(string(to), env.ToMessage())
}

// Call sends a request and waits for its correlated reply. The reply arrives
// on a per-call topic derived from the caller's address, so concurrent calls
// never observe each other's replies. The outcome is exactly one of: reply,
// ErrCallTimeout, or a transport error.
func (b *Bus) Call(ctx context.Context, from, to Address, env *Envelope, timeout time.Duration) (*Envelope, error) {
	if to == "" || from == "" {
		return nil, errspkg.ErrAddressRequired
	}

	correlation := idspkg.CreateULID()
	replyTopic := string(from) + ".reply." + correlation

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies, err := b.subscriber.Subscribe(callCtx, replyTopic)
	if err != nil {
		return nil, fmt.Errorf("seqflow: failed to open reply inbox: %w", err)
	}

	env.CorrelationID = correlation
	env.ReplyTo = Address(replyTopic)
	if err := b.publisher.Publish(string(to), env.ToMessage()); err != nil {
		return nil, err
	}

	for {
		select {
		case msg, ok := <-replies:
			if !ok {
				return nil, errspkg.ErrCallTimeout
			}
			msg.Ack()
			reply, err := DecodeEnvelope(msg)
			if err != nil {
				b.logger.Error("dropping malformed reply", err, logging.LogFields{"reply_topic": replyTopic})
				continue
			}
			if reply.CorrelationID != correlation {
				b.logger.Debug("dropping uncorrelated reply", logging.LogFields{
					"expected": correlation,
					"got":      reply.CorrelationID,
				})
				continue
			}
			return reply, nil
		case <-callCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errspkg.ErrCallTimeout
		}
	}
}

// Reply answers a request envelope. Requests that did not ask for a reply
// (no reply-to inbox) are answered nowhere; that is not an error so handlers
// can respond unconditionally.
func (b *Bus) Reply(req *Envelope, resp *Envelope) error {
	if req.ReplyTo == "" {
		return nil
	}
	resp.CorrelationID = req.CorrelationID
	return b.publisher.Publish(string(req.ReplyTo), resp.ToMessage())
}

// Close closes the underlying transport pair.
func (b *Bus) Close() error {
	pubErr := b.publisher.Close()
	subErr := b.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
