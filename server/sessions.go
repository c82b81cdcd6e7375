package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"homefeed/feeds"
	"homefeed/models"
	"homefeed/query"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homefeed_server_sessions",
		Help: "Number of viewers with a running feed",
	})

	evictedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homefeed_server_sessions_evicted_total",
		Help: "Feeds closed after being idle",
	})
)

var errSessionsClosed = errors.New("sessions are shut down")

// session is one viewer's feed. ready is closed once the feed has started
// or failed to start.
type session struct {
	feed     *feeds.Feed
	err      error
	ready    chan struct{}
	holds    int
	lastUsed time.Time
}

// Sessions keeps one running feed per viewer. Feeds nobody holds are closed
// by Sweep once they have been idle long enough.
type Sessions struct {
	mu       sync.Mutex
	store    query.Store
	settings feeds.Settings
	sessions map[models.ProducerID]*session
	closed   bool
}

func NewSessions(store query.Store, settings feeds.Settings) *Sessions {
	return &Sessions{
		store:    store,
		settings: settings,
		sessions: make(map[models.ProducerID]*session),
	}
}

// Get returns the viewer's feed, starting it on first use
func (s *Sessions) Get(ctx context.Context, viewer models.ProducerID) (*feeds.Feed, error) {
	e, err := s.get(ctx, viewer, false)
	if err != nil {
		return nil, err
	}
	return e.feed, nil
}

// Acquire returns the viewer's feed and keeps it from being evicted until
// release is called. Used by streams.
func (s *Sessions) Acquire(ctx context.Context, viewer models.ProducerID) (*feeds.Feed, func(), error) {
	e, err := s.get(ctx, viewer, true)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return e.feed, func() { once.Do(func() { s.release(e) }) }, nil
}

func (s *Sessions) get(ctx context.Context, viewer models.ProducerID, hold bool) (*session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errSessionsClosed
	}
	e, ok := s.sessions[viewer]
	if !ok {
		e = &session{ready: make(chan struct{})}
		s.sessions[viewer] = e
	}
	e.lastUsed = time.Now()
	if hold {
		e.holds++
	}
	s.mu.Unlock()

	if !ok {
		s.start(ctx, viewer, e)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		if hold {
			s.release(e)
		}
		return nil, ctx.Err()
	}

	if e.err != nil {
		if hold {
			s.release(e)
		}
		return nil, e.err
	}
	return e, nil
}

// start runs without the lock so a slow lookup only delays this viewer
func (s *Sessions) start(ctx context.Context, viewer models.ProducerID, e *session) {
	defer close(e.ready)

	f := feeds.New(viewer, s.store, s.settings)
	if err := f.Start(ctx); err != nil {
		var lerr *feeds.LookupError
		if !errors.As(err, &lerr) {
			f.Close()
			s.mu.Lock()
			e.err = err
			if s.sessions[viewer] == e {
				delete(s.sessions, viewer)
			}
			s.mu.Unlock()
			return
		}
		// The feed still shows the viewer's own items
		log.WithFields(log.Fields{
			"viewer": viewer,
			"error":  err,
		}).Warn("Started feed without follow set")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.Close()
		e.err = errSessionsClosed
		return
	}
	e.feed = f
	count := len(s.sessions)
	activeSessions.Set(float64(count))
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"viewer": viewer,
		"count":  count,
	}).Info("Started feed session")
}

func (s *Sessions) release(e *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.holds > 0 {
		e.holds--
		e.lastUsed = time.Now()
	}
}

// Lookup returns the viewer's feed if one is running
func (s *Sessions) Lookup(viewer models.ProducerID) (*feeds.Feed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[viewer]
	if !ok || e.feed == nil {
		return nil, false
	}
	return e.feed, true
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep closes the feeds that are not held and were last used at least idle
// ago. It returns how many it closed.
func (s *Sessions) Sweep(idle time.Duration) int {
	s.mu.Lock()
	now := time.Now()
	var evicted []*feeds.Feed
	for viewer, e := range s.sessions {
		if e.feed == nil || e.holds > 0 || now.Sub(e.lastUsed) < idle {
			continue
		}
		evicted = append(evicted, e.feed)
		delete(s.sessions, viewer)
	}
	activeSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	for _, f := range evicted {
		f.Close()
	}
	if len(evicted) > 0 {
		evictedSessions.Add(float64(len(evicted)))
		log.WithFields(log.Fields{
			"evicted": len(evicted),
			"idle":    idle,
		}).Info("Closed idle feed sessions")
	}
	return len(evicted)
}

// Run sweeps idle sessions until ctx is done. An idle timeout of 0 keeps
// every session until shutdown.
func (s *Sessions) Run(ctx context.Context, idle time.Duration) error {
	if idle <= 0 {
		return nil
	}
	ticker := time.NewTicker(max(idle/2, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(idle)
		}
	}
}

func (s *Sessions) Shutdown() {
	log.Info("Shutting down feed sessions")
	s.mu.Lock()
	running := s.sessions
	s.sessions = make(map[models.ProducerID]*session)
	s.closed = true
	activeSessions.Set(0)
	s.mu.Unlock()

	for _, e := range running {
		if e.feed != nil {
			e.feed.Close()
		}
	}
}
