package feeds

import (
	"fmt"
	"slices"
	"sync"

	"homefeed/models"
	"homefeed/query"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Subscriber opens live queries for a window. Producer sets larger than the
// store's memberOf limit are split into chunks, one store subscription each,
// and presented as a single subscription.
type Subscriber struct {
	store      query.Store
	collection string
	chunkSize  int
	kind       string
}

func NewSubscriber(store query.Store, collection string, chunkSize int, kind string) *Subscriber {
	if chunkSize <= 0 || chunkSize > query.MaxMemberOf {
		chunkSize = query.MaxMemberOf
	}
	return &Subscriber{
		store:      store,
		collection: collection,
		chunkSize:  chunkSize,
		kind:       kind,
	}
}

// Chunks splits the producers of a window the way Subscribe does
func (s *Subscriber) Chunks(w models.Window) [][]string {
	return lo.Chunk(w.Producers.Strings(), s.chunkSize)
}

func (s *Subscriber) Subscribe(w models.Window, onBatch func(models.ChangeBatch), onError func(error)) (query.Subscription, error) {
	if w.Limit < 1 {
		return nil, fmt.Errorf("window limit must be at least 1, got %d", w.Limit)
	}
	if w.Producers.Len() == 0 {
		return nil, fmt.Errorf("window has no producers")
	}

	chunks := s.Chunks(w)
	cs := &chunkedSubscription{
		subs:    make([]query.Subscription, len(chunks)),
		live:    make([]map[string]models.FeedItem, len(chunks)),
		seen:    make([]bool, len(chunks)),
		limit:   w.Limit,
		onBatch: onBatch,
		onError: onError,
	}
	for i := range cs.live {
		cs.live[i] = make(map[string]models.FeedItem)
	}

	var g errgroup.Group
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			sub, err := s.store.Listen(query.Query{
				Collection: s.collection,
				Filter:     query.MemberOf(query.FieldProducerID, chunk...),
				Limit:      w.Limit,
			}, query.Listener{
				OnBatch: func(b models.ChangeBatch) { cs.deliver(i, b) },
				OnError: cs.fail,
			})
			if err != nil {
				return fmt.Errorf("listen on chunk %d: %w", i, err)
			}
			cs.set(i, sub)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cs.Cancel()
		return nil, err
	}

	subscriptionsOpened.WithLabelValues(s.kind).Inc()
	chunksOpened.WithLabelValues(s.kind).Add(float64(len(chunks)))

	log.WithFields(log.Fields{
		"kind":       s.kind,
		"collection": s.collection,
		"limit":      w.Limit,
		"producers":  w.Producers.Len(),
		"chunks":     len(chunks),
	}).Debug("Opened live subscription")

	return cs, nil
}

// chunkedSubscription merges the output of its chunks. It mirrors the live
// window of every chunk and passes on the changes to the combined top limit
// items, so an item trimmed behind another chunk's items comes back when
// those are removed. Nothing is passed on until every chunk has delivered
// its first snapshot; the first batch is the complete combined result.
type chunkedSubscription struct {
	mu     sync.Mutex
	subs   []query.Subscription
	live   []map[string]models.FeedItem
	seen   []bool
	limit  int
	top    []models.FeedItem
	ready  bool
	failed bool

	onBatch func(models.ChangeBatch)
	onError func(error)

	cancelOnce sync.Once
}

func (c *chunkedSubscription) set(i int, sub query.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[i] = sub
}

// deliver is serialized so that batches leave in the order the combined
// list changed.
func (c *chunkedSubscription) deliver(i int, b models.ChangeBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed {
		return
	}

	modified := make(map[string]bool)
	for _, change := range b.Changes {
		switch change.Kind {
		case models.Added, models.Modified:
			c.live[i][change.Item.ID] = change.Item
			if change.Kind == models.Modified {
				modified[change.Item.ID] = true
			}
		case models.Removed:
			delete(c.live[i], change.Item.ID)
		}
	}
	c.seen[i] = true

	if !c.ready {
		if !lo.EveryBy(c.seen, func(seen bool) bool { return seen }) {
			return
		}
		c.ready = true
		c.onBatch(models.ChangeBatch{Changes: c.recompute(modified)})
		return
	}

	if changes := c.recompute(modified); len(changes) > 0 {
		c.onBatch(models.ChangeBatch{Changes: changes})
	}
}

// recompute rebuilds the combined top limit items and returns how they
// differ from the previous ones.
func (c *chunkedSubscription) recompute(modified map[string]bool) []models.Change {
	var next []models.FeedItem
	for _, items := range c.live {
		for _, item := range items {
			next = append(next, item)
		}
	}
	slices.SortFunc(next, models.Compare)
	if len(next) > c.limit {
		next = next[:c.limit]
	}

	prev := lo.KeyBy(c.top, func(item models.FeedItem) string { return item.ID })
	kept := lo.KeyBy(next, func(item models.FeedItem) string { return item.ID })

	changes := []models.Change{}
	for _, item := range c.top {
		if _, ok := kept[item.ID]; !ok {
			changes = append(changes, models.Change{Kind: models.Removed, Item: item})
		}
	}
	for _, item := range next {
		_, had := prev[item.ID]
		switch {
		case !had:
			changes = append(changes, models.Change{Kind: models.Added, Item: item})
		case modified[item.ID]:
			changes = append(changes, models.Change{Kind: models.Modified, Item: item})
		}
	}

	c.top = next
	return changes
}

func (c *chunkedSubscription) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed {
		return
	}
	c.failed = true
	c.onError(err)
}

func (c *chunkedSubscription) Cancel() {
	c.cancelOnce.Do(func() {
		c.mu.Lock()
		subs := lo.Compact(c.subs)
		c.mu.Unlock()

		for _, sub := range subs {
			sub.Cancel()
		}
	})
}
