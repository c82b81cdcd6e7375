package db

import (
	"context"
	"fmt"
	"time"

	sb "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// Tidy removes documents in collection created before now minus maxAge
func (d *DB) Tidy(ctx context.Context, collection string, maxAge time.Duration) (int64, error) {
	if d.isClosed() {
		return 0, ErrClosed
	}

	cutoff := time.Now().Add(-maxAge).UnixNano()
	del := sb.NewDeleteBuilder()
	stmt, args := del.DeleteFrom("documents").
		Where(del.Equal("collection", collection), del.LessThan("created_at", cutoff)).
		BuildWithFlavor(sb.SQLite)

	log.WithFields(log.Fields{
		"collection": collection,
		"maxAge":     maxAge,
	}).Info("Tidying database")

	res, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("tidy error: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		writesTotal.WithLabelValues("tidy").Add(float64(removed))
		d.hub.BroadcastCollection(collection)
	}
	return removed, nil
}
