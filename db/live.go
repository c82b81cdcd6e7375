package db

import (
	"context"
	"sync"

	"homefeed/models"
	"homefeed/query"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Listen opens a live query. The listener first gets the full current result
// as Added changes, even when it is empty, then one batch per re-run that
// changed something. A failed re-run is reported once through OnError and
// ends the query.
func (d *DB) Listen(q query.Query, l query.Listener) (query.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.live.Add(1)
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(d.ctx)
	lq := &liveQuery{
		db:       d,
		key:      uuid.NewString(),
		query:    q,
		listener: l,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	signal := d.hub.AddClient(lq.key, q)
	liveQueries.Inc()

	go lq.run(signal)
	return lq, nil
}

type liveQuery struct {
	db       *DB
	key      string
	query    query.Query
	listener query.Listener

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu is held while a callback runs; closed is only set under it
	mu     sync.Mutex
	closed bool

	// prev is owned by the run goroutine
	prev map[string]document
}

func (lq *liveQuery) Cancel() {
	lq.mu.Lock()
	lq.closed = true
	lq.mu.Unlock()

	lq.cancel()
	<-lq.done
}

func (lq *liveQuery) run(signal <-chan struct{}) {
	defer lq.db.live.Done()
	defer close(lq.done)
	defer liveQueries.Dec()
	defer lq.db.hub.RemoveClient(lq.key)

	if !lq.refresh() {
		return
	}
	for {
		select {
		case <-lq.ctx.Done():
			return
		case _, ok := <-signal:
			if !ok {
				return
			}
			liveRefreshes.Inc()
			if !lq.refresh() {
				return
			}
		}
	}
}

// refresh re-runs the query and delivers the difference. It reports whether
// the query should keep running.
func (lq *liveQuery) refresh() bool {
	docs, err := lq.db.query(lq.ctx, lq.query)
	if err != nil {
		if lq.ctx.Err() != nil {
			return false
		}
		liveErrors.Inc()
		log.WithFields(log.Fields{
			"collection": lq.query.Collection,
			"error":      err,
		}).Error("Live query failed")
		lq.deliver(func() { lq.listener.OnError(err) })
		return false
	}

	first := lq.prev == nil
	changes, next := diff(lq.prev, docs)
	lq.prev = next
	if !first && len(changes) == 0 {
		return true
	}

	return lq.deliver(func() {
		lq.listener.OnBatch(models.ChangeBatch{Changes: changes})
	})
}

func (lq *liveQuery) deliver(fn func()) bool {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if lq.closed {
		return false
	}
	fn()
	return true
}

// diff compares two results of the same query. Removals come first, then
// additions and modifications in result order.
func diff(prev map[string]document, docs []document) ([]models.Change, map[string]document) {
	next := make(map[string]document, len(docs))
	for _, doc := range docs {
		next[doc.item.ID] = doc
	}

	changes := []models.Change{}
	for id, old := range prev {
		if _, ok := next[id]; !ok {
			changes = append(changes, models.Change{Kind: models.Removed, Item: old.item})
		}
	}
	for _, doc := range docs {
		old, ok := prev[doc.item.ID]
		switch {
		case !ok:
			changes = append(changes, models.Change{Kind: models.Added, Item: doc.item})
		case old.version != doc.version:
			changes = append(changes, models.Change{Kind: models.Modified, Item: doc.item})
		}
	}
	return changes, next
}
