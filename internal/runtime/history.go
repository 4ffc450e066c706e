package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/drblury/seqflow/internal/runtime/config"
	"github.com/drblury/seqflow/internal/runtime/kvstore"
)

// RetainedMessage is one replayable entry of a topic's history.
type RetainedMessage struct {
	Sequence uint64 `json:"sequence"`
	Content  []byte `json:"content"`
}

// historyEntry is either a full in-memory message (memory tier) or a
// sequence-only pointer into the durable store (disk tier).
type historyEntry struct {
	Sequence uint64 `json:"sequence"`
	Content  []byte `json:"content,omitempty"`
	Full     bool   `json:"full"`
}

// MessageHistory is the bounded, tiered log of a topic's accepted publishes.
// Entries are kept in ascending sequence order; eviction is FIFO. The struct
// serializes as part of the publisher snapshot; the durable store handle is
// reattached after restore. Memory use is O(max_length) for every tier
// because the disk tier keeps only sequence pointers in memory.
type MessageHistory struct {
	Persistence config.Persistence `json:"persistence"`
	Entries     []historyEntry     `json:"entries"`

	store kvstore.Store
}

// NewMessageHistory creates a history for the given tier. The disk tier
// opens its durable namespace through opener; a failure here is fatal to the
// owning engine's initialization.
func NewMessageHistory(persistence config.Persistence, opener kvstore.Opener, namespace string) (*MessageHistory, error) {
	h := &MessageHistory{Persistence: persistence}
	if err := h.attach(opener, namespace); err != nil {
		return nil, err
	}
	return h, nil
}

// attach (re)opens the durable namespace after construction or snapshot
// restore. A no-op for the none and memory tiers.
func (h *MessageHistory) attach(opener kvstore.Opener, namespace string) error {
	if h.Persistence.Tier != config.TierDisk {
		return nil
	}
	if opener == nil {
		return fmt.Errorf("seqflow: disk history requires a durable store")
	}
	store, err := opener.Open(namespace)
	if err != nil {
		return fmt.Errorf("seqflow: failed to open history namespace %q: %w", namespace, err)
	}
	h.store = store
	return nil
}

// Add appends an accepted publish. Storage errors abort the operation and
// must surface to the triggering handler.
func (h *MessageHistory) Add(ctx context.Context, sequence uint64, content []byte) error {
	switch h.Persistence.Tier {
	case config.TierNone:
		return nil

	case config.TierMemory:
		if len(h.Entries) >= h.Persistence.MaxLength {
			h.Entries = h.Entries[1:]
		}
		h.Entries = append(h.Entries, historyEntry{Sequence: sequence, Content: content, Full: true})
		return nil

	case config.TierDisk:
		if len(h.Entries) >= h.Persistence.MaxLength {
			oldest := h.Entries[0]
			// delete of an already-absent key is tolerated by the store
			if err := h.store.Delete(ctx, sequenceKey(oldest.Sequence)); err != nil {
				return err
			}
			h.Entries = h.Entries[1:]
		}
		if err := h.store.Set(ctx, sequenceKey(sequence), content); err != nil {
			return err
		}
		h.Entries = append(h.Entries, historyEntry{Sequence: sequence})
		return nil

	default:
		return fmt.Errorf("seqflow: unknown persistence tier %q", h.Persistence.Tier)
	}
}

// ReadFrom returns every retained message with sequence >= from, ascending.
// The none tier always returns nothing; the disk tier re-fetches payload
// bytes per pointer.
func (h *MessageHistory) ReadFrom(ctx context.Context, from uint64) ([]RetainedMessage, error) {
	if h.Persistence.Tier == config.TierNone {
		return nil, nil
	}

	var out []RetainedMessage
	for _, entry := range h.Entries {
		if entry.Sequence < from {
			continue
		}
		if entry.Full {
			out = append(out, RetainedMessage{Sequence: entry.Sequence, Content: entry.Content})
			continue
		}
		content, err := h.store.Get(ctx, sequenceKey(entry.Sequence))
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, RetainedMessage{Sequence: entry.Sequence, Content: content})
	}
	return out, nil
}

// LatestSequence returns the newest retained sequence, if any.
func (h *MessageHistory) LatestSequence() (uint64, bool) {
	if len(h.Entries) == 0 {
		return 0, false
	}
	return h.Entries[len(h.Entries)-1].Sequence, true
}

// Clear drops the in-memory index; the disk tier also drops the durable
// namespace, which remains usable afterwards.
func (h *MessageHistory) Clear(ctx context.Context) error {
	h.Entries = nil
	if h.Persistence.Tier == config.TierDisk {
		return h.store.Drop(ctx)
	}
	return nil
}

// Len reports the number of retained entries.
func (h *MessageHistory) Len() int { return len(h.Entries) }

func sequenceKey(sequence uint64) string {
	return strconv.FormatUint(sequence, 10)
}
