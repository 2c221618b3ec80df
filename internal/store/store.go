// Package store provides the shared key/value primitives the circuit
// breaker persists its state through. Three backends exist: redis for
// multi-instance deployments, sqlite for single-node installs, and an
// in-process map for tests and development.
package store

import (
	"context"
	"errors"
)

// ErrUnavailable wraps backend connectivity failures. Callers that can
// degrade (the breaker fails closed) check for it with errors.Is.
var ErrUnavailable = errors.New("kv store unavailable")

// KV is the atomic read/compare/write surface the breaker needs.
// CompareAndSwap with a nil old value means "create only if absent".
type KV interface {
	// Get returns the value for key, or found=false if absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set unconditionally writes the value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// CompareAndSwap atomically replaces old with new. It returns
	// swapped=false without error when the current value does not
	// match old (including concurrent-write conflicts).
	CompareAndSwap(ctx context.Context, key string, old, new []byte) (swapped bool, err error)
	// Close releases backend resources.
	Close() error
}
