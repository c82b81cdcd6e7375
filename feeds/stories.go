package feeds

import (
	"homefeed/models"
	"homefeed/query"

	"github.com/samber/lo"
)

type StorySettings struct {
	Collection string
	Limit      int
	// MaxProducers caps the producer set, the viewer always included
	MaxProducers int
	ChunkSize    int
}

func DefaultStorySettings() StorySettings {
	return StorySettings{
		Collection:   DefaultStoriesCollection,
		Limit:        20,
		MaxProducers: 50,
		ChunkSize:    query.MaxMemberOf,
	}
}

// StoryAggregator keeps the story strip of a viewer: a fixed window with no
// growth and no refresh.
type StoryAggregator struct {
	*view

	settings StorySettings
	window   models.Window
}

func NewStoryAggregator(viewer models.ProducerID, store query.Store, settings StorySettings) *StoryAggregator {
	if settings.Collection == "" {
		settings.Collection = DefaultStoriesCollection
	}
	if settings.Limit < 1 {
		settings.Limit = DefaultStorySettings().Limit
	}
	subscriber := NewSubscriber(store, settings.Collection, settings.ChunkSize, "stories")
	return &StoryAggregator{
		view:     newView("stories", viewer, subscriber, settings.Limit),
		settings: settings,
		window:   models.Window{Limit: settings.Limit},
	}
}

// SetProducers opens the subscription once the producer set is known and
// re-opens it only when the (capped) set changes.
func (a *StoryAggregator) SetProducers(set models.FollowSet) bool {
	producers := a.capProducers(set)
	return a.resubscribe(func() (models.Window, bool) {
		if a.window.Producers.Equal(producers) {
			return a.window, false
		}
		a.window.Producers = producers
		return a.window, true
	})
}

func (a *StoryAggregator) capProducers(set models.FollowSet) models.FollowSet {
	others := lo.Without(set, a.viewer)
	if limit := a.settings.MaxProducers - 1; limit >= 0 && len(others) > limit {
		others = others[:limit]
	}
	return models.NewFollowSet(others...).With(a.viewer)
}
