// Package kvstore provides the durable key/value capability consumed by the
// disk history tier and by engine snapshots. Stores are namespaced; dropping
// a namespace removes every key under it.
package kvstore

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get for missing keys and tolerated by Delete.
var ErrKeyNotFound = errors.New("seqflow: key not found")

// Store is a single namespace of the durable key/value capability.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Drop removes every key in the namespace. The store remains usable.
	Drop(ctx context.Context) error
}

// Opener hands out namespaced stores over a shared backing database.
type Opener interface {
	Open(namespace string) (Store, error)
	Close() error
}
