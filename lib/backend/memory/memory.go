// Package memory implements an in-process backend.Backend, used as
// the default store for single-node deployments and in tests,
// alongside the production Postgres one (backend/pgbk).
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/MOhammedRiaad/secure-audio/lib/backend"
)

// Config configures a Backend.
type Config struct {
	Clock clockwork.Clock
}

// CheckAndSetDefaults fills in unset fields with their defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// New returns a ready to use in-memory backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Backend{
		clock: cfg.Clock,
		items: make(map[string]backend.Item),
	}, nil
}

// Backend is a mutex-guarded map-based backend.Backend.
type Backend struct {
	mu    sync.Mutex
	clock clockwork.Clock
	items map[string]backend.Item
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) expiredLocked(i backend.Item) bool {
	return !i.Expires.IsZero() && !i.Expires.After(b.clock.Now().UTC())
}

// Create implements backend.Backend.
func (b *Backend) Create(_ context.Context, i backend.Item) (*backend.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := string(i.Key)
	if existing, ok := b.items[k]; ok && !b.expiredLocked(existing) {
		return nil, trace.AlreadyExists("key %q already exists", k)
	}
	b.items[k] = cloneItem(i)
	return &backend.Lease{Key: i.Key}, nil
}

// Put implements backend.Backend.
func (b *Backend) Put(_ context.Context, i backend.Item) (*backend.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[string(i.Key)] = cloneItem(i)
	return &backend.Lease{Key: i.Key}, nil
}

// Update implements backend.Backend.
func (b *Backend) Update(_ context.Context, i backend.Item) (*backend.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := string(i.Key)
	existing, ok := b.items[k]
	if !ok || b.expiredLocked(existing) {
		return nil, trace.NotFound("key %q does not exist", k)
	}
	b.items[k] = cloneItem(i)
	return &backend.Lease{Key: i.Key}, nil
}

// CompareAndSwap implements backend.Backend.
func (b *Backend) CompareAndSwap(_ context.Context, expected, replaceWith backend.Item) (*backend.Lease, error) {
	if !bytes.Equal(expected.Key, replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	k := string(expected.Key)
	existing, ok := b.items[k]
	if !ok || b.expiredLocked(existing) || !bytes.Equal(existing.Value, expected.Value) {
		return nil, trace.CompareFailed("key %q does not exist or does not match expected", k)
	}
	b.items[k] = cloneItem(replaceWith)
	return &backend.Lease{Key: replaceWith.Key}, nil
}

// Get implements backend.Backend.
func (b *Backend) Get(_ context.Context, key []byte) (*backend.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.items[string(key)]
	if !ok || b.expiredLocked(i) {
		return nil, trace.NotFound("key %q does not exist", key)
	}
	out := cloneItem(i)
	return &out, nil
}

// GetRange implements backend.Backend.
func (b *Backend) GetRange(_ context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if limit <= 0 {
		limit = backend.DefaultRangeLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k := range b.items {
		kb := []byte(k)
		if bytes.Compare(kb, startKey) >= 0 && bytes.Compare(kb, endKey) < 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	result := &backend.GetResult{}
	for _, k := range keys {
		if len(result.Items) >= limit {
			break
		}
		i := b.items[k]
		if b.expiredLocked(i) {
			continue
		}
		result.Items = append(result.Items, cloneItem(i))
	}
	return result, nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(_ context.Context, key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := string(key)
	if i, ok := b.items[k]; !ok || b.expiredLocked(i) {
		return trace.NotFound("key %q does not exist", key)
	}
	delete(b.items, k)
	return nil
}

// DeleteRange implements backend.Backend.
func (b *Backend) DeleteRange(_ context.Context, startKey, endKey []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.items {
		kb := []byte(k)
		if bytes.Compare(kb, startKey) >= 0 && bytes.Compare(kb, endKey) < 0 {
			delete(b.items, k)
		}
	}
	return nil
}

// KeepAlive implements backend.Backend.
func (b *Backend) KeepAlive(_ context.Context, lease backend.Lease, expires time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := string(lease.Key)
	i, ok := b.items[k]
	if !ok || b.expiredLocked(i) {
		return trace.NotFound("key %q does not exist", lease.Key)
	}
	i.Expires = expires
	b.items[k] = i
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error { return nil }

func cloneItem(i backend.Item) backend.Item {
	v := make([]byte, len(i.Value))
	copy(v, i.Value)
	k := make([]byte, len(i.Key))
	copy(k, i.Key)
	return backend.Item{Key: k, Value: v, Expires: i.Expires}
}
