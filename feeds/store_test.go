package feeds_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"homefeed/models"
	"homefeed/query"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

// fakeStore hands out subscriptions that tests drive by hand
type fakeStore struct {
	mu        sync.Mutex
	docs      map[string][]models.FeedItem
	queryErr  error
	listenErr func(q query.Query) error
	subs      []*fakeSub
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string][]models.FeedItem)}
}

func (s *fakeStore) follow(viewer models.ProducerID, producers ...models.ProducerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	collection := "users/" + string(viewer) + "/following"
	for _, p := range producers {
		s.docs[collection] = append(s.docs[collection], models.FeedItem{ID: string(p), ProducerID: viewer})
	}
}

func (s *fakeStore) Query(ctx context.Context, q query.Query) ([]models.FeedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return slices.Clone(s.docs[q.Collection]), nil
}

func (s *fakeStore) Listen(q query.Query, l query.Listener) (query.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenErr != nil {
		if err := s.listenErr(q); err != nil {
			return nil, err
		}
	}
	sub := &fakeSub{query: q, listener: l}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *fakeStore) all() []*fakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.subs)
}

func (s *fakeStore) active() []*fakeSub {
	return lo.Filter(s.all(), func(sub *fakeSub, _ int) bool { return !sub.isCancelled() })
}

func (s *fakeStore) cancelled() []*fakeSub {
	return lo.Filter(s.all(), func(sub *fakeSub, _ int) bool { return sub.isCancelled() })
}

// publish sends every active subscription its initial snapshot of items
func (s *fakeStore) publish(items ...models.FeedItem) {
	for _, sub := range s.active() {
		sub.snapshot(items...)
	}
}

type fakeSub struct {
	query    query.Query
	listener query.Listener

	mu        sync.Mutex
	cancelled bool
}

func (s *fakeSub) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *fakeSub) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *fakeSub) producers() []string {
	return s.query.Filter.Values
}

// push behaves like a correct store: nothing arrives after Cancel
func (s *fakeSub) push(changes ...models.Change) {
	if s.isCancelled() {
		return
	}
	s.listener.OnBatch(models.ChangeBatch{Changes: changes})
}

// pushLate delivers even after Cancel, like a callback already in flight
func (s *fakeSub) pushLate(changes ...models.Change) {
	s.listener.OnBatch(models.ChangeBatch{Changes: changes})
}

func (s *fakeSub) fail(err error) {
	s.listener.OnError(err)
}

// snapshot pushes the items this subscription's query would return
func (s *fakeSub) snapshot(items ...models.FeedItem) {
	matching := lo.Filter(items, func(item models.FeedItem, _ int) bool {
		return s.query.Matches(s.query.Collection, item)
	})
	slices.SortFunc(matching, models.Compare)
	if s.query.Limit > 0 && len(matching) > s.query.Limit {
		matching = matching[:s.query.Limit]
	}
	s.push(lo.Map(matching, func(item models.FeedItem, _ int) models.Change {
		return added(item)
	})...)
}

var errBackend = errors.New("backend unavailable")

func item(id string, producer models.ProducerID, ts int64) models.FeedItem {
	return models.FeedItem{
		ID:         id,
		ProducerID: producer,
		CreatedAt:  time.Unix(ts, 0).UTC(),
		Payload:    map[string]any{"text": "post " + id},
	}
}

func added(i models.FeedItem) models.Change {
	return models.Change{Kind: models.Added, Item: i}
}

func modified(i models.FeedItem) models.Change {
	return models.Change{Kind: models.Modified, Item: i}
}

func removed(i models.FeedItem) models.Change {
	return models.Change{Kind: models.Removed, Item: i}
}

func ids(items []models.FeedItem) []string {
	return lo.Map(items, func(i models.FeedItem, _ int) string { return i.ID })
}

func producers(n int) []models.ProducerID {
	return lo.Times(n, func(i int) models.ProducerID {
		return models.ProducerID(string(rune('a'+i/26)) + string(rune('a'+i%26)))
	})
}

func requireSorted(t *testing.T, items []models.FeedItem) {
	t.Helper()
	require.True(t, slices.IsSortedFunc(items, models.Compare), "items not in feed order: %v", ids(items))
	require.Len(t, lo.Uniq(ids(items)), len(items), "duplicate ids in %v", ids(items))
}
