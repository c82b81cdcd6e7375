// Package db is the SQLite backed document store. Documents live in
// collections and carry a producer and a creation time; live queries re-run
// whenever a write touches something they could match.
package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("db: store is closed")

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homefeed_db_writes_total",
		Help: "Document writes by operation",
	}, []string{"op"})

	liveQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homefeed_db_live_queries",
		Help: "Number of open live queries",
	})

	liveRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homefeed_db_live_refreshes_total",
		Help: "Number of times a live query re-ran after a write",
	})

	liveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homefeed_db_live_errors_total",
		Help: "Live queries terminated by an error",
	})
)

// DB handles all database operations with a shared connection pool
type DB struct {
	db  *sql.DB
	hub *Hub

	// ctx is cancelled on Close and ends every live query
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	live   sync.WaitGroup
}

// Open connects to an already migrated database
func Open(database string) (*DB, error) {
	conn, err := connection(database)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	log.WithField("database", database).Info("Opened document store")
	return &DB{
		db:     conn,
		hub:    NewHub(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Close ends all live queries and closes the connection pool. Listeners
// receive no error for a shutdown.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.hub.Shutdown()
	d.live.Wait()
	return d.db.Close()
}

func (d *DB) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// LiveQueries returns the number of live queries currently registered
func (d *DB) LiveQueries() int {
	return d.hub.Len()
}
