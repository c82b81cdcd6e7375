package feeds

import (
	"sync"

	"homefeed/models"
	"homefeed/query"

	log "github.com/sirupsen/logrus"
)

// State is a snapshot of a live list as seen by the UI layer
type State struct {
	Viewer     models.ProducerID `json:"viewer"`
	Items      []models.FeedItem `json:"items"`
	Loading    bool              `json:"loading"`
	Refreshing bool              `json:"refreshing"`
	// Empty is set once loading finished without error and nothing matched
	Empty      bool   `json:"empty"`
	Error      string `json:"error,omitempty"`
	Limit      int    `json:"limit"`
	Generation uint64 `json:"generation"`

	Err error `json:"-"`
}

// view is the live list shared by the post feed and the story strip. Each
// (re)subscription gets a new generation; callbacks tagged with an older
// generation are dropped.
type view struct {
	kind       string
	viewer     models.ProducerID
	subscriber *Subscriber

	// subMu serializes resubscriptions so the old subscription is always
	// cancelled before the next one is opened. Taken before mu.
	subMu sync.Mutex

	mu         sync.Mutex
	gen        uint64
	appliedGen uint64
	sub        query.Subscription
	merger     *Merger
	loading    bool
	refreshing bool
	err        error
	closed     bool

	notify *notifier
}

func newView(kind string, viewer models.ProducerID, subscriber *Subscriber, limit int) *view {
	return &view{
		kind:       kind,
		viewer:     viewer,
		subscriber: subscriber,
		merger:     NewMerger(limit),
		loading:    true,
		notify:     newNotifier(),
	}
}

// resubscribe runs mutate under the lock. If it reports a new window, the
// current subscription is cancelled and one for the new window is opened.
func (v *view) resubscribe(mutate func() (models.Window, bool)) bool {
	v.subMu.Lock()
	defer v.subMu.Unlock()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	w, changed := mutate()
	if !changed {
		v.mu.Unlock()
		return false
	}
	v.gen++
	gen := v.gen
	old := v.sub
	v.sub = nil
	v.merger.SetLimit(w.Limit)
	v.publishLocked()
	v.mu.Unlock()

	// The store waits for running callbacks in Cancel, so this happens
	// outside the lock.
	if old != nil {
		old.Cancel()
	}

	log.WithFields(log.Fields{
		"kind":       v.kind,
		"viewer":     v.viewer,
		"generation": gen,
		"limit":      w.Limit,
		"producers":  w.Producers.Len(),
	}).Info("Subscribing to window")

	sub, err := v.subscriber.Subscribe(w,
		func(b models.ChangeBatch) { v.apply(gen, b) },
		func(err error) { v.fail(gen, err) },
	)
	if err != nil {
		v.fail(gen, err)
		return true
	}

	v.mu.Lock()
	if v.gen != gen || v.closed {
		v.mu.Unlock()
		sub.Cancel()
		return true
	}
	v.sub = sub
	v.mu.Unlock()
	return true
}

func (v *view) apply(gen uint64, b models.ChangeBatch) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if gen != v.gen || v.closed {
		staleBatches.WithLabelValues(v.kind).Inc()
		log.WithFields(log.Fields{
			"kind":       v.kind,
			"viewer":     v.viewer,
			"generation": gen,
			"current":    v.gen,
		}).Debug("Discarding batch from superseded subscription")
		return
	}

	// First batch of a subscription carries its full snapshot
	if v.appliedGen != gen {
		v.merger.Reset()
		v.appliedGen = gen
	}
	v.merger.Apply(b)
	v.loading = false
	v.refreshing = false
	v.err = nil
	v.publishLocked()
}

func (v *view) fail(gen uint64, err error) {
	v.mu.Lock()
	if gen != v.gen || v.closed {
		v.mu.Unlock()
		return
	}
	// Invalidate the generation so the remaining chunks can't write
	v.gen++
	old := v.sub
	v.sub = nil
	v.err = &QueryError{Err: err}
	v.loading = false
	v.refreshing = false
	v.publishLocked()
	v.mu.Unlock()

	queryErrors.WithLabelValues(v.kind).Inc()
	log.WithFields(log.Fields{
		"kind":       v.kind,
		"viewer":     v.viewer,
		"generation": gen,
		"error":      err,
	}).Error("Live subscription failed")

	// We may be running inside one of its callbacks
	if old != nil {
		go old.Cancel()
	}
}

func (v *view) stateLocked() State {
	items := v.merger.Items()
	state := State{
		Viewer:     v.viewer,
		Items:      items,
		Loading:    v.loading,
		Refreshing: v.refreshing,
		Empty:      !v.loading && v.err == nil && len(items) == 0,
		Limit:      v.merger.Limit(),
		Generation: v.gen,
		Err:        v.err,
	}
	if v.err != nil {
		state.Error = v.err.Error()
	}
	return state
}

func (v *view) publishLocked() {
	v.notify.publish(v.stateLocked())
}

func (v *view) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stateLocked()
}

// Items returns the merged list
func (v *view) Items() []models.FeedItem {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.merger.Items()
}

func (v *view) Loading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading
}

func (v *view) Refreshing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.refreshing
}

// Err returns the *QueryError of the last failed subscription, if any
func (v *view) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// OnChange registers a hook that receives every state change in order.
// Hooks run on a separate goroutine and may call back into the view.
func (v *view) OnChange(hook func(State)) (remove func()) {
	return v.notify.add(hook)
}

func (v *view) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.gen++
	old := v.sub
	v.sub = nil
	v.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	v.notify.stop()
}
