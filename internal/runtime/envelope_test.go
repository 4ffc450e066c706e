package runtime

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/seqflow/internal/runtime/errors"
)

func TestPublishEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"raw":"bytes"}`)
	env := NewPublishEnvelope(MakeAddress(testNode, "pub"), "feed", 42, payload)
	env.WithGrant([]byte{0x00, 0xff, 0x10})

	decoded, err := DecodeEnvelope(env.ToMessage())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Kind != KindPublish || decoded.Topic != "feed" || decoded.Sequence != 42 {
		t.Fatalf("header mangled: %+v", decoded)
	}
	if decoded.Source != MakeAddress(testNode, "pub") {
		t.Fatalf("source mangled: %s", decoded.Source)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Fatalf("payload must pass through verbatim, got %q", decoded.Payload)
	}
	if !bytes.Equal(decoded.Grant, []byte{0x00, 0xff, 0x10}) {
		t.Fatalf("grant mangled: %v", decoded.Grant)
	}
}

func TestBodyEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(KindSubscribe, MakeAddress(testNode, "sub")).WithBody(SubscribeRequest{
		Topic:        "feed",
		FromSequence: uptr(9),
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeEnvelope(env.ToMessage())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	req := decodeAs[SubscribeRequest](t, decoded)
	if req.Topic != "feed" || req.FromSequence == nil || *req.FromSequence != 9 {
		t.Fatalf("body mangled: %+v", req)
	}
}

func TestWithBodyRejectsPublish(t *testing.T) {
	if _, err := NewPublishEnvelope(MakeAddress(testNode, "pub"), "t", 1, nil).WithBody(struct{}{}); err == nil {
		t.Fatal("expected publish envelopes to refuse a body")
	}
}

func TestDecodeEnvelopeUnknownKind(t *testing.T) {
	msg := message.NewMessage("id", nil)
	msg.Metadata.Set(MetadataKeyKind, "mystery")
	if _, err := DecodeEnvelope(msg); !errors.Is(err, errspkg.ErrUnknownKind) {
		t.Fatalf("expected unknown kind error, got %v", err)
	}

	missing := message.NewMessage("id", nil)
	if _, err := DecodeEnvelope(missing); !errors.Is(err, errspkg.ErrUnknownKind) {
		t.Fatalf("expected unknown kind error for a missing discriminant, got %v", err)
	}
}

func TestDecodeEnvelopeMalformedSequence(t *testing.T) {
	msg := message.NewMessage("id", nil)
	msg.Metadata.Set(MetadataKeyKind, string(KindPublish))
	msg.Metadata.Set(MetadataKeySequence, "not-a-number")
	if _, err := DecodeEnvelope(msg); err == nil {
		t.Fatal("expected an error for a malformed sequence")
	}
}

func TestAddressSegments(t *testing.T) {
	addr := MakeAddress("alpha", "worker-1")
	if addr.Node() != "alpha" || addr.Process() != "worker-1" {
		t.Fatalf("bad segments: node=%q process=%q", addr.Node(), addr.Process())
	}
	if !addr.SameNode(MakeAddress("alpha", "other")) {
		t.Fatal("expected same-node addresses to match")
	}
	if addr.SameNode(MakeAddress("beta", "worker-1")) {
		t.Fatal("expected cross-node addresses not to match")
	}
}
