package pgbk

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"
)

var txReadWrite = pgx.TxOptions{}

// backgroundExpiry periodically deletes rows past their expiry. It
// runs a plain poll loop rather than a logical-replication change
// feed, since nothing here needs a live watch.
func (b *Backend) backgroundExpiry(ctx context.Context) {
	defer b.wg.Done()
	defer b.log.Info("Exited expiry loop.")

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}

		t0 := time.Now()

		var n int64
		if err := b.beginTxFunc(ctx, txReadWrite, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				"DELETE FROM kv WHERE expires IS NOT NULL AND expires <= $1",
				time.Now().UTC(),
			)
			if err != nil {
				return trace.Wrap(err)
			}
			n = tag.RowsAffected()
			return nil
		}); err != nil {
			b.log.WithError(err).Error("Failed to delete expired items.")
			continue
		}

		if n > 0 {
			b.log.WithFields(logrus.Fields{"deleted": n, "elapsed": time.Since(t0).String()}).Debug("Deleted expired items.")
		}
	}
}
