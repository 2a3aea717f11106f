// Package backend defines the minimal key/value contract that every
// persistence-backed service in this module is built on, mirroring the
// teacher's lib/backend abstraction: typed services never touch SQL or
// bbolt directly, they read and write backend.Item values under a
// namespaced key and let the backend implementation worry about
// storage, expiry and conflict detection.
package backend

import (
	"context"
	"time"
)

// Item is a single key/value record with an optional expiry.
type Item struct {
	Key     []byte
	Value   []byte
	Expires time.Time
}

// Lease is a handle returned by mutating calls; it is currently only
// used to confirm the key that was written.
type Lease struct {
	Key []byte
}

// GetResult is the page of items returned by GetRange.
type GetResult struct {
	Items []Item
}

// Backend is the storage contract. The relational persistence layer is
// modeled as an implementation of this interface (see backend/pgbk for
// the Postgres-backed one and backend/memory for the in-process one
// used by tests and single-node deployments).
type Backend interface {
	// Create writes i.Value under i.Key, failing with trace.AlreadyExists
	// if the key is already present and unexpired.
	Create(ctx context.Context, i Item) (*Lease, error)
	// Put writes i.Value under i.Key unconditionally.
	Put(ctx context.Context, i Item) (*Lease, error)
	// Update writes i.Value under i.Key, failing with trace.NotFound if
	// the key does not already exist.
	Update(ctx context.Context, i Item) (*Lease, error)
	// CompareAndSwap replaces expected with replaceWith, failing with
	// trace.CompareFailed if the stored value does not match expected.
	CompareAndSwap(ctx context.Context, expected, replaceWith Item) (*Lease, error)
	// Get reads the item at key, failing with trace.NotFound if absent
	// or expired.
	Get(ctx context.Context, key []byte) (*Item, error)
	// GetRange reads items with key in [startKey, endKey), up to limit
	// items (0 means the backend's default page size).
	GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*GetResult, error)
	// Delete removes key, failing with trace.NotFound if absent.
	Delete(ctx context.Context, key []byte) error
	// DeleteRange removes every item with key in [startKey, endKey).
	DeleteRange(ctx context.Context, startKey, endKey []byte) error
	// KeepAlive extends the expiry of an existing key.
	KeepAlive(ctx context.Context, lease Lease, expires time.Time) error
	// Close releases any resources held by the backend.
	Close() error
}

// DefaultRangeLimit bounds unpaginated range scans.
const DefaultRangeLimit = 10000

// ExclusiveEndKey returns the smallest key that is lexicographically
// greater than every key with prefix, forming the exclusive upper
// bound of a prefix scan [prefix, ExclusiveEndKey(prefix)).
func ExclusiveEndKey(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// prefix was all 0xff bytes; there is no finite exclusive bound,
	// so scan to the end of the keyspace.
	return append(end, 0xff)
}
