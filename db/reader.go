package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"homefeed/models"
	"homefeed/query"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
)

// document is a stored item along with its write version
type document struct {
	item    models.FeedItem
	version int64
}

// Query runs a one-shot read, newest first
func (d *DB) Query(ctx context.Context, q query.Query) ([]models.FeedItem, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if d.isClosed() {
		return nil, ErrClosed
	}

	docs, err := d.query(ctx, q)
	if err != nil {
		return nil, err
	}
	return lo.Map(docs, func(doc document, _ int) models.FeedItem { return doc.item }), nil
}

func (d *DB) query(ctx context.Context, q query.Query) ([]document, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("id", "producer_id", "created_at", "version", "payload").From("documents")
	sb.Where(sb.Equal("collection", q.Collection))
	if q.Filter != nil {
		q.Filter.ApplyFilter(sb)
	}
	sb.OrderBy("created_at DESC", "id DESC")
	if q.Limit > 0 {
		sb.Limit(q.Limit)
	}

	stmt, args := sb.BuildWithFlavor(sqlbuilder.SQLite)

	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var docs []document
	for rows.Next() {
		var (
			doc       document
			producer  string
			createdAt int64
			payload   *string
		)
		if err := rows.Scan(&doc.item.ID, &producer, &createdAt, &doc.version, &payload); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		doc.item.ProducerID = models.ProducerID(producer)
		doc.item.CreatedAt = time.Unix(0, createdAt).UTC()
		if payload != nil {
			if err := json.Unmarshal([]byte(*payload), &doc.item.Payload); err != nil {
				return nil, fmt.Errorf("payload of %s/%s: %w", q.Collection, doc.item.ID, err)
			}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}

	return docs, nil
}
