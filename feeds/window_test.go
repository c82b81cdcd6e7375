package feeds_test

import (
	"testing"

	"homefeed/feeds"
	"homefeed/models"

	"github.com/stretchr/testify/assert"
)

func TestWindowManagerGrow(t *testing.T) {
	m := feeds.NewWindowManager(5, 5)
	assert.Equal(t, 5, m.Current().Limit)

	for _, expected := range []int{10, 15, 20} {
		assert.Equal(t, expected, m.Grow().Limit)
	}
}

func TestWindowManagerDefaults(t *testing.T) {
	m := feeds.NewWindowManager(0, 0)
	assert.Equal(t, feeds.DefaultPageSize, m.Current().Limit)
	assert.Equal(t, feeds.DefaultPageSize+feeds.DefaultPageIncrement, m.Grow().Limit)
}

func TestWindowManagerReset(t *testing.T) {
	m := feeds.NewWindowManager(5, 5)

	_, changed := m.Reset()
	assert.False(t, changed, "reset at default limit")

	m.Grow()
	m.Grow()
	w, changed := m.Reset()
	assert.True(t, changed)
	assert.Equal(t, 5, w.Limit)
}

func TestWindowManagerSetProducers(t *testing.T) {
	m := feeds.NewWindowManager(5, 5)
	assert.False(t, m.Ready())

	set := models.NewFollowSet("b", "a")
	w, changed := m.SetProducers(set)
	assert.True(t, changed)
	assert.True(t, m.Ready())
	assert.Equal(t, models.FollowSet{"a", "b"}, w.Producers)

	m.Grow()
	w, changed = m.SetProducers(models.NewFollowSet("a", "b"))
	assert.False(t, changed, "identical set")
	assert.Equal(t, 10, w.Limit)

	w, changed = m.SetProducers(models.NewFollowSet("a", "c"))
	assert.True(t, changed)
	assert.Equal(t, 10, w.Limit, "limit survives a follow set change")
}
