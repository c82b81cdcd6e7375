package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"homefeed/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

const writeTimeout = 30 * time.Second

// Put inserts or replaces a document. Replacing bumps its version.
func (d *DB) Put(ctx context.Context, collection string, item models.FeedItem) error {
	if collection == "" || item.ID == "" {
		return errors.New("put needs a collection and an item id")
	}
	if d.isClosed() {
		return ErrClosed
	}

	var payload any
	if item.Payload != nil {
		raw, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = string(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var previous *models.FeedItem
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		old, err := lookupProducer(ctx, tx, collection, item.ID)
		if err != nil {
			return err
		}
		if old != "" {
			previous = &models.FeedItem{ID: item.ID, ProducerID: old}
		}

		ib := sqlbuilder.NewInsertBuilder()
		ib.InsertInto("documents").
			Cols("collection", "id", "producer_id", "created_at", "version", "payload").
			Values(collection, item.ID, string(item.ProducerID), item.CreatedAt.UnixNano(), 1, payload)
		ib.SQL(`ON CONFLICT (collection, id) DO UPDATE SET
			producer_id = excluded.producer_id,
			created_at = excluded.created_at,
			payload = excluded.payload,
			version = documents.version + 1`)

		stmt, args := ib.BuildWithFlavor(sqlbuilder.SQLite)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("insert error: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	writesTotal.WithLabelValues("put").Inc()
	log.WithFields(log.Fields{
		"collection": collection,
		"id":         item.ID,
		"producer":   item.ProducerID,
		"replaced":   previous != nil,
	}).Debug("Stored document")

	touched := []models.FeedItem{item}
	if previous != nil && previous.ProducerID != item.ProducerID {
		touched = append(touched, *previous)
	}
	d.hub.Broadcast(collection, touched...)
	return nil
}

// Delete removes a document. Deleting a missing document is a no-op.
func (d *DB) Delete(ctx context.Context, collection, id string) error {
	if d.isClosed() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var producer models.ProducerID
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if producer, err = lookupProducer(ctx, tx, collection, id); err != nil || producer == "" {
			return err
		}

		del := sqlbuilder.NewDeleteBuilder()
		del.DeleteFrom("documents").Where(del.Equal("collection", collection), del.Equal("id", id))
		stmt, args := del.BuildWithFlavor(sqlbuilder.SQLite)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("delete error: %w", err)
		}
		return nil
	})
	if err != nil || producer == "" {
		return err
	}

	writesTotal.WithLabelValues("delete").Inc()
	log.WithFields(log.Fields{
		"collection": collection,
		"id":         id,
	}).Debug("Deleted document")

	d.hub.Broadcast(collection, models.FeedItem{ID: id, ProducerID: producer})
	return nil
}

// Follow records that viewer follows producer
func (d *DB) Follow(ctx context.Context, viewer, producer models.ProducerID) error {
	return d.Put(ctx, models.FollowingCollection(viewer), models.FeedItem{
		ID:         string(producer),
		ProducerID: viewer,
		CreatedAt:  time.Now().UTC(),
	})
}

func (d *DB) Unfollow(ctx context.Context, viewer, producer models.ProducerID) error {
	return d.Delete(ctx, models.FollowingCollection(viewer), string(producer))
}

// Apply stores a change event received from the ingest pipeline
func (d *DB) Apply(ctx context.Context, event models.ChangeEvent) error {
	switch event.Kind {
	case models.Added, models.Modified:
		return d.Put(ctx, event.Collection, event.Item)
	case models.Removed:
		return d.Delete(ctx, event.Collection, event.Item.ID)
	default:
		return fmt.Errorf("apply %s/%s: %w", event.Collection, event.Item.ID, &models.UnknownChangeKindError{Kind: event.Kind.String()})
	}
}

func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// lookupProducer returns the producer of a stored document, or "" if absent
func lookupProducer(ctx context.Context, tx *sql.Tx, collection, id string) (models.ProducerID, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("producer_id").From("documents").Where(sb.Equal("collection", collection), sb.Equal("id", id))
	query, args := sb.BuildWithFlavor(sqlbuilder.SQLite)

	var producer string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&producer)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup error: %w", err)
	}
	return models.ProducerID(producer), nil
}
