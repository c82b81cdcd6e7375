package feeds_test

import (
	"testing"

	"homefeed/feeds"
	"homefeed/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStories(t *testing.T, store *fakeStore, settings feeds.StorySettings) *feeds.StoryAggregator {
	t.Helper()
	a := feeds.NewStoryAggregator("V", store, settings)
	t.Cleanup(a.Close)
	return a
}

func TestStoryAggregatorOpensOnceProducersKnown(t *testing.T) {
	store := newFakeStore()
	a := newStories(t, store, feeds.DefaultStorySettings())

	assert.True(t, a.Loading())
	assert.Empty(t, store.all())

	assert.True(t, a.SetProducers(models.NewFollowSet("A", "V")))
	assert.False(t, a.SetProducers(models.NewFollowSet("V", "A")), "same set does not reopen")
	require.Len(t, store.all(), 1)

	sub := store.active()[0]
	assert.Equal(t, "stories", sub.query.Collection)
	assert.Equal(t, 20, sub.query.Limit)

	sub.push(added(item("sa", "A", 2)), added(item("sv", "V", 1)))
	assert.Equal(t, []string{"sa", "sv"}, ids(a.Items()))
	assert.False(t, a.Loading())

	// Expired stories removed by the store disappear
	sub.push(removed(item("sa", "A", 2)))
	assert.Equal(t, []string{"sv"}, ids(a.Items()))
}

func TestStoryAggregatorCapsProducers(t *testing.T) {
	store := newFakeStore()
	settings := feeds.DefaultStorySettings()
	settings.MaxProducers = 12
	a := newStories(t, store, settings)

	a.SetProducers(models.NewFollowSet(producers(30)...).With("V"))

	subs := store.active()
	require.Len(t, subs, 2)
	var all []string
	for _, sub := range subs {
		all = append(all, sub.producers()...)
	}
	assert.Len(t, all, 12)
	assert.Contains(t, all, "V", "viewer always kept")
}

func TestStoryAggregatorReopensOnChange(t *testing.T) {
	store := newFakeStore()
	a := newStories(t, store, feeds.DefaultStorySettings())

	a.SetProducers(models.NewFollowSet("A", "V"))
	first := store.active()[0]
	first.push(added(item("sa", "A", 1)))

	assert.True(t, a.SetProducers(models.NewFollowSet("B", "V")))
	assert.True(t, first.isCancelled())

	first.pushLate(added(item("sa2", "A", 2)))
	assert.Equal(t, []string{"sa"}, ids(a.Items()), "stale batch dropped, old list kept until the new snapshot")

	store.active()[0].push(added(item("sb", "B", 3)))
	assert.Equal(t, []string{"sb"}, ids(a.Items()))
}
