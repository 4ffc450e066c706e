package runtime

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/seqflow/internal/runtime/config"
	errspkg "github.com/drblury/seqflow/internal/runtime/errors"
	idspkg "github.com/drblury/seqflow/internal/runtime/ids"
	"github.com/drblury/seqflow/internal/runtime/jsoncodec"
)

// Kind is the required discriminant of every envelope on the bus.
type Kind string

const (
	KindInitPublisher  Kind = "init_publisher"
	KindInitSubscriber Kind = "init_subscriber"
	KindSubscribe      Kind = "subscribe"
	KindUnsubscribe    Kind = "unsubscribe"
	KindPublish        Kind = "publish"
	KindAck            Kind = "ack"
	KindKill           Kind = "kill"
	KindHeartbeat      Kind = "heartbeat"
	KindTick           Kind = "tick"

	KindSubscribeResponse   Kind = "subscribe_response"
	KindUnsubscribeResponse Kind = "unsubscribe_response"
	KindHeartbeatResponse   Kind = "heartbeat_response"
)

var knownKinds = map[Kind]struct{}{
	KindInitPublisher:  {},
	KindInitSubscriber: {},
	KindSubscribe:      {},
	KindUnsubscribe:    {},
	KindPublish:        {},
	KindAck:            {},
	KindKill:           {},
	KindHeartbeat:      {},
	KindTick:           {},

	KindSubscribeResponse:   {},
	KindUnsubscribeResponse: {},
	KindHeartbeatResponse:   {},
}

// Metadata keys used to map envelopes onto Watermill messages. Control
// travels in metadata so publish payload bytes pass through untouched.
const (
	MetadataKeyKind          = "seqflow_kind"
	MetadataKeySource        = "seqflow_source"
	MetadataKeyTopic         = "seqflow_topic"
	MetadataKeySequence      = "seqflow_sequence"
	MetadataKeyCorrelationID = "seqflow_correlation_id"
	MetadataKeyReplyTo       = "seqflow_reply_to"
	MetadataKeyGrant         = "seqflow_grant"
)

// Envelope is the sum-type message exchanged between engines. For
// KindPublish the Payload holds the published bytes verbatim and
// Topic/Sequence carry the header; for every other kind the Payload holds
// the JSON-encoded body struct for that kind.
type Envelope struct {
	Kind   Kind
	Source Address

	// Grant is the opaque access token attached by the sender. It is stored
	// and reattached by engines, never interpreted.
	Grant []byte

	// Topic and Sequence are set for KindPublish only.
	Topic    string
	Sequence uint64

	Payload []byte

	CorrelationID string
	ReplyTo       Address
}

// Bodies of the non-publish envelope kinds.

type InitPublisherRequest struct {
	Topic  string           `json:"topic"`
	Config config.PubConfig `json:"config"`
}

type InitSubscriberRequest struct {
	Topic        string    `json:"topic"`
	Parent       Address   `json:"parent"`
	Publisher    Address   `json:"publisher"`
	ForwardTo    []Address `json:"forward_to"`
	FromSequence *uint64   `json:"from_sequence,omitempty"`
}

type SubscribeRequest struct {
	Topic        string  `json:"topic"`
	FromSequence *uint64 `json:"from_sequence,omitempty"`
}

type SubscribeResponse struct {
	Success bool   `json:"success"`
	Topic   string `json:"topic"`
	Error   string `json:"error,omitempty"`
}

type UnsubscribeRequest struct {
	Topic string `json:"topic"`
}

type UnsubscribeResponse struct {
	Success bool   `json:"success"`
	Topic   string `json:"topic"`
	Error   string `json:"error,omitempty"`
}

type AckBody struct {
	Topic    string `json:"topic"`
	Sequence uint64 `json:"sequence"`
}

type KillRequest struct {
	// ClearState also removes the engine's snapshot and durable history.
	ClearState bool `json:"clear_state"`
}

type HeartbeatRequest struct {
	Timestamp int64 `json:"timestamp"`
}

// Heartbeat statuses.
const (
	HeartbeatOk    = "ok"
	HeartbeatBusy  = "busy"
	HeartbeatError = "error"
)

type HeartbeatResponse struct {
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type TickBody struct {
	Timestamp int64 `json:"timestamp"`
}

// NewEnvelope creates an envelope of the given kind originating from source.
func NewEnvelope(kind Kind, source Address) *Envelope {
	return &Envelope{Kind: kind, Source: source}
}

// NewPublishEnvelope creates a KindPublish envelope carrying payload verbatim.
func NewPublishEnvelope(source Address, topic string, sequence uint64, payload []byte) *Envelope {
	return &Envelope{
		Kind:     KindPublish,
		Source:   source,
		Topic:    topic,
		Sequence: sequence,
		Payload:  payload,
	}
}

// WithBody encodes v as the envelope's JSON body. Not valid for KindPublish,
// whose payload is opaque.
func (e *Envelope) WithBody(v any) (*Envelope, error) {
	if e.Kind == KindPublish {
		return nil, fmt.Errorf("seqflow: publish envelopes carry an opaque payload, not a body")
	}
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("seqflow: failed to encode %s body: %w", e.Kind, err)
	}
	e.Payload = body
	return e, nil
}

// WithGrant attaches an opaque access grant to the envelope.
func (e *Envelope) WithGrant(grant []byte) *Envelope {
	e.Grant = grant
	return e
}

// DecodeBody decodes the envelope's JSON body into v.
func (e *Envelope) DecodeBody(v any) error {
	if err := jsoncodec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("seqflow: failed to decode %s body: %w", e.Kind, err)
	}
	return nil
}

// ToMessage converts the envelope into a Watermill message with a fresh ULID.
func (e *Envelope) ToMessage() *message.Message {
	msg := message.NewMessage(idspkg.CreateULID(), e.Payload)
	msg.Metadata.Set(MetadataKeyKind, string(e.Kind))
	msg.Metadata.Set(MetadataKeySource, string(e.Source))
	if e.Topic != "" {
		msg.Metadata.Set(MetadataKeyTopic, e.Topic)
	}
	if e.Kind == KindPublish {
		msg.Metadata.Set(MetadataKeySequence, strconv.FormatUint(e.Sequence, 10))
	}
	if e.CorrelationID != "" {
		msg.Metadata.Set(MetadataKeyCorrelationID, e.CorrelationID)
	}
	if e.ReplyTo != "" {
		msg.Metadata.Set(MetadataKeyReplyTo, string(e.ReplyTo))
	}
	if len(e.Grant) > 0 {
		msg.Metadata.Set(MetadataKeyGrant, base64.StdEncoding.EncodeToString(e.Grant))
	}
	return msg
}

// DecodeEnvelope parses a Watermill message back into an envelope. Unknown
// kinds yield a recoverable error wrapping ErrUnknownKind; callers log and
// drop such messages.
func DecodeEnvelope(msg *message.Message) (*Envelope, error) {
	kind := Kind(msg.Metadata.Get(MetadataKeyKind))
	if kind == "" {
		return nil, fmt.Errorf("%w: missing discriminant", errspkg.ErrUnknownKind)
	}
	if _, ok := knownKinds[kind]; !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownKind, kind)
	}

	env := &Envelope{
		Kind:          kind,
		Source:        Address(msg.Metadata.Get(MetadataKeySource)),
		Topic:         msg.Metadata.Get(MetadataKeyTopic),
		Payload:       msg.Payload,
		CorrelationID: msg.Metadata.Get(MetadataKeyCorrelationID),
		ReplyTo:       Address(msg.Metadata.Get(MetadataKeyReplyTo)),
	}

	if raw := msg.Metadata.Get(MetadataKeySequence); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("seqflow: malformed sequence %q: %w", raw, err)
		}
		env.Sequence = seq
	}

	if raw := msg.Metadata.Get(MetadataKeyGrant); raw != "" {
		grant, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("seqflow: malformed grant: %w", err)
		}
		env.Grant = grant
	}

	return env, nil
}
