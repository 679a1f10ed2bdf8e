// Package kv defines the minimal key-value contract the moderation workflow
// relies on. Implementations offer no multi-key transactions; invariants
// spanning keys are maintained by callers.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Get] when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is a flat byte-valued key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan calls fn once per entry in unspecified order. Returning a non-nil
	// error from fn stops the scan and is returned from Scan. A scan is
	// finite and cannot be resumed.
	Scan(ctx context.Context, fn func(key string, value []byte) error) error
}
