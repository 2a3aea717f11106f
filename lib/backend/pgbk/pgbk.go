// Package pgbk implements backend.Backend on top of a single Postgres
// "kv" table, a generic key/value shape that sits underneath typed
// resource services. It is the concrete implementation of the
// external relational store the audio subsystem treats as a
// collaborator.
package pgbk

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/MOhammedRiaad/secure-audio/lib/backend"
)

const deleteBatchSize = 1000

// Config configures a Backend.
type Config struct {
	// ConnString is a libpq-style Postgres connection string.
	ConnString string
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing conn_string")
	}
	return nil
}

// New connects to Postgres, runs the schema migration and starts the
// background expiry sweep.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	log := logrus.WithField(trace.Component, "pgbk")

	poolConfig.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		_, err := c.Exec(ctx, "SET default_transaction_isolation TO serializable", pgx.QuerySimpleProtocol(true))
		return trace.Wrap(err)
	}

	log.Info("Setting up backend.")

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	b := &Backend{
		log:  log,
		pool: pool,
	}

	if err := b.setupAndMigrate(ctx); err != nil {
		b.pool.Close()
		return nil, trace.Wrap(err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(1)
	go b.backgroundExpiry(bgCtx)

	return b, nil
}

// Backend is a Postgres-backed backend.Backend.
type Backend struct {
	log  logrus.FieldLogger
	pool *pgxpool.Pool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ backend.Backend = (*Backend)(nil)

// Close stops the background sweep and closes the connection pool.
func (b *Backend) Close() error {
	b.cancel()
	b.wg.Wait()
	b.pool.Close()
	return nil
}

// retry runs f, retrying on any error up to 20 attempts. After a
// serialization failure or deadlock the wait bound resets to 100ms;
// after any other error it doubles, capped at 750ms. Each wait is a
// random duration up to the current bound (full jitter).
func (b *Backend) retry(ctx context.Context, f func(*pgxpool.Pool) error) error {
	const (
		step = 100 * time.Millisecond
		max  = 750 * time.Millisecond
	)
	var err error
	wait := step
	for i := 1; i <= 20; i++ {
		if err = f(b.pool); err == nil {
			return nil
		}

		if isCode(err, pgerrcode.SerializationFailure) || isCode(err, pgerrcode.DeadlockDetected) {
			b.log.WithError(err).WithField("attempt", i).Debug("Operation failed due to conflicts, retrying quickly.")
			wait = step
		} else {
			b.log.WithError(err).WithField("attempt", i).Debug("Operation failed, retrying.")
			if wait < max {
				wait *= 2
				if wait > max {
					wait = max
				}
			}
		}

		jittered := time.Duration(rand.Int63n(int64(wait) + 1))
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return trace.LimitExceeded("too many retries, last error: %v", err)
}

func (b *Backend) beginTxFunc(ctx context.Context, txOptions pgx.TxOptions, f func(pgx.Tx) error) error {
	return b.retry(ctx, func(p *pgxpool.Pool) error {
		return p.BeginTxFunc(ctx, txOptions, f)
	})
}

func (b *Backend) setupAndMigrate(ctx context.Context) error {
	return b.beginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS kv (
				key bytea PRIMARY KEY,
				value bytea NOT NULL,
				expires timestamp
			);
			CREATE INDEX IF NOT EXISTS kv_expires ON kv (expires) WHERE expires IS NOT NULL;`,
			pgx.QuerySimpleProtocol(true),
		)
		return trace.Wrap(err)
	})
}

// Create writes i.Value under i.Key, failing if the key already
// exists and has not expired.
func (b *Backend) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	var r int64
	if err := b.retry(ctx, func(p *pgxpool.Pool) error {
		tag, err := p.Exec(ctx, `
			INSERT INTO kv (key, value, expires) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires = excluded.expires
			WHERE kv.expires IS NOT NULL AND kv.expires <= now()`,
			i.Key, i.Value, toPgTime(i.Expires))
		if err != nil {
			return trace.Wrap(err)
		}
		r = tag.RowsAffected()
		return nil
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	if r < 1 {
		return nil, trace.AlreadyExists("key %q already exists", i.Key)
	}
	return newLease(i), nil
}

// Put writes i.Value under i.Key unconditionally.
func (b *Backend) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if err := b.retry(ctx, func(p *pgxpool.Pool) error {
		_, err := p.Exec(ctx, `
			INSERT INTO kv (key, value, expires) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires = excluded.expires`,
			i.Key, i.Value, toPgTime(i.Expires))
		return trace.Wrap(err)
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	return newLease(i), nil
}

// CompareAndSwap replaces expected with replaceWith.
func (b *Backend) CompareAndSwap(ctx context.Context, expected, replaceWith backend.Item) (*backend.Lease, error) {
	if !bytes.Equal(expected.Key, replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	var r int64
	if err := b.retry(ctx, func(p *pgxpool.Pool) error {
		tag, err := p.Exec(ctx,
			"UPDATE kv SET value = $2, expires = $3 WHERE key = $1 AND value = $4 AND (expires IS NULL OR expires > now())",
			replaceWith.Key, replaceWith.Value, toPgTime(replaceWith.Expires), expected.Value)
		if err != nil {
			return trace.Wrap(err)
		}
		r = tag.RowsAffected()
		return nil
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	if r < 1 {
		return nil, trace.CompareFailed("key %q does not exist or does not match expected", replaceWith.Key)
	}
	return newLease(replaceWith), nil
}

// Update writes i.Value under i.Key, failing if the key does not
// already exist.
func (b *Backend) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	var r int64
	if err := b.retry(ctx, func(p *pgxpool.Pool) error {
		tag, err := p.Exec(ctx,
			"UPDATE kv SET value = $2, expires = $3 WHERE key = $1 AND (expires IS NULL OR expires > now())",
			i.Key, i.Value, toPgTime(i.Expires))
		if err != nil {
			return trace.Wrap(err)
		}
		r = tag.RowsAffected()
		return nil
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	if r < 1 {
		return nil, trace.NotFound("key %q does not exist", i.Key)
	}
	return newLease(i), nil
}

// Get reads the item at key.
func (b *Backend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	found := false
	var value []byte
	var expires pgtype.Timestamp
	if err := b.retry(ctx, func(p *pgxpool.Pool) error {
		found, value, expires.Time = false, nil, time.Time{}
		err := p.QueryRow(ctx, `
			SELECT value, expires FROM kv
			WHERE key = $1 AND (expires IS NULL OR expires > now())`,
			key).Scan(&value, &expires)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		} else if err != nil {
			return trace.Wrap(err)
		}
		found = true
		return nil
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	if !found {
		return nil, trace.NotFound("key %q does not exist", key)
	}

	return &backend.Item{
		Key:     key,
		Value:   value,
		Expires: expires.Time,
	}, nil
}

// GetRange reads items with key in [startKey, endKey).
func (b *Backend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if limit <= 0 {
		limit = backend.DefaultRangeLimit
	}
	r := backend.GetResult{}
	if err := b.retry(ctx, func(p *pgxpool.Pool) error {
		r.Items = nil
		var k, v []byte
		var e pgtype.Timestamp
		_, err := p.QueryFunc(ctx, `
			SELECT key, value, expires FROM kv
			WHERE key >= $1 AND key < $2 AND (expires IS NULL OR expires > now())
			ORDER BY key
			LIMIT $3`,
			[]any{startKey, endKey, limit}, []any{&k, &v, &e},
			func(pgx.QueryFuncRow) error {
				r.Items = append(r.Items, backend.Item{
					Key:     k,
					Value:   v,
					Expires: e.Time,
				})
				k, v = nil, nil
				return nil
			})
		return trace.Wrap(err)
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	return &r, nil
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key []byte) error {
	var r int64
	if err := b.retry(ctx, func(p *pgxpool.Pool) error {
		tag, err := p.Exec(ctx,
			"DELETE FROM kv WHERE key = $1 AND (expires IS NULL OR expires > now())",
			key)
		if err != nil {
			return trace.Wrap(err)
		}
		r = tag.RowsAffected()
		return nil
	}); err != nil {
		return trace.Wrap(err)
	}

	if r < 1 {
		return trace.NotFound("key %q does not exist", key)
	}
	return nil
}

// DeleteRange removes every item with key in [startKey, endKey), in
// batches, to avoid a single huge transaction.
func (b *Backend) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	for i := 0; i < backend.DefaultRangeLimit/deleteBatchSize; i++ {
		var r int64
		if err := b.retry(ctx, func(p *pgxpool.Pool) error {
			tag, err := p.Exec(ctx,
				"DELETE FROM kv WHERE key = ANY(ARRAY(SELECT key FROM kv WHERE key >= $1 AND key < $2 LIMIT $3))",
				startKey, endKey, deleteBatchSize)
			if err != nil {
				return trace.Wrap(err)
			}
			r = tag.RowsAffected()
			return nil
		}); err != nil {
			return trace.Wrap(err)
		}

		if r < deleteBatchSize {
			return nil
		}
	}

	return trace.LimitExceeded("too many iterations")
}

// KeepAlive extends the expiry of an existing key.
func (b *Backend) KeepAlive(ctx context.Context, lease backend.Lease, expires time.Time) error {
	var r int64
	if err := b.retry(ctx, func(p *pgxpool.Pool) error {
		tag, err := p.Exec(ctx,
			"UPDATE kv SET expires = $2 WHERE key = $1 AND (expires IS NULL OR expires > now())",
			lease.Key, toPgTime(expires))
		if err != nil {
			return trace.Wrap(err)
		}
		r = tag.RowsAffected()
		return nil
	}); err != nil {
		return trace.Wrap(err)
	}

	if r < 1 {
		return trace.NotFound("key %q does not exist", lease.Key)
	}
	return nil
}

func isCode(err error, code string) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == code
	}
	return false
}

func toPgTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func newLease(i backend.Item) *backend.Lease {
	return &backend.Lease{Key: i.Key}
}
