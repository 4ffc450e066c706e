package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/seqflow/internal/runtime/jsoncodec"
	"github.com/drblury/seqflow/internal/runtime/kvstore"
)

const snapshotKey = "snapshot"

// snapshotStore persists one engine's entire state as a single opaque JSON
// snapshot in the engine's own durable namespace. There is no incremental
// persistence: save writes the whole state, load reads it back verbatim.
type snapshotStore struct {
	store kvstore.Store
}

func newSnapshotStore(opener kvstore.Opener, namespace string) (*snapshotStore, error) {
	if opener == nil {
		return nil, fmt.Errorf("seqflow: snapshot store requires a durable store")
	}
	store, err := opener.Open(namespace)
	if err != nil {
		return nil, fmt.Errorf("seqflow: failed to open snapshot namespace %q: %w", namespace, err)
	}
	return &snapshotStore{store: store}, nil
}

func (s *snapshotStore) save(ctx context.Context, state any) error {
	raw, err := jsoncodec.Marshal(state)
	if err != nil {
		return fmt.Errorf("seqflow: failed to encode snapshot: %w", err)
	}
	return s.store.Set(ctx, snapshotKey, raw)
}

// load restores state from the snapshot. Returns false when no snapshot
// exists.
func (s *snapshotStore) load(ctx context.Context, state any) (bool, error) {
	raw, err := s.store.Get(ctx, snapshotKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := jsoncodec.Unmarshal(raw, state); err != nil {
		return false, fmt.Errorf("seqflow: failed to decode snapshot: %w", err)
	}
	return true, nil
}

func (s *snapshotStore) clear(ctx context.Context) error {
	return s.store.Delete(ctx, snapshotKey)
}
