// Package kvstore abstracts the durable on-device key-value store the
// client core keeps its state in. The store is shared process-wide;
// components stay out of each other's way through key-prefix discipline,
// not locking, so every key written through this interface must carry its
// owner's namespace prefix.
package kvstore

import "context"

// Store is a namespaced, crash-durable key to string store. All calls are
// asynchronous and may fail; callers decide whether a failure matters.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent; absence is not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key, overwriting any prior value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key under the given namespace prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}
