// Package feeds keeps live, paginated feeds of the producers a viewer follows
package feeds

import (
	"context"

	"homefeed/models"
	"homefeed/query"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultPostsCollection   = "posts"
	DefaultStoriesCollection = "stories"
)

// Settings configures the post feed and the story strip of a viewer
type Settings struct {
	PostsCollection string
	PageSize        int
	PageIncrement   int
	ChunkSize       int
	// ResetOnRefresh shrinks the window back to the page size on refresh
	// instead of re-opening the current window.
	ResetOnRefresh bool

	Stories StorySettings
}

func DefaultSettings() Settings {
	return Settings{
		PostsCollection: DefaultPostsCollection,
		PageSize:        DefaultPageSize,
		PageIncrement:   DefaultPageIncrement,
		ChunkSize:       query.MaxMemberOf,
		Stories:         DefaultStorySettings(),
	}
}

// Feed is the live post feed of one viewer, together with its story strip
type Feed struct {
	*view

	settings Settings
	tracker  *FollowTracker
	windows  *WindowManager
	stories  *StoryAggregator
}

func New(viewer models.ProducerID, store query.Store, settings Settings) *Feed {
	if settings.PostsCollection == "" {
		settings.PostsCollection = DefaultPostsCollection
	}
	windows := NewWindowManager(settings.PageSize, settings.PageIncrement)
	subscriber := NewSubscriber(store, settings.PostsCollection, settings.ChunkSize, "posts")

	f := &Feed{
		view:     newView("posts", viewer, subscriber, windows.Current().Limit),
		settings: settings,
		tracker:  NewFollowTracker(store),
		windows:  windows,
	}
	if settings.Stories.Limit > 0 {
		if settings.Stories.ChunkSize == 0 {
			settings.Stories.ChunkSize = settings.ChunkSize
		}
		f.stories = NewStoryAggregator(viewer, store, settings.Stories)
	}
	return f
}

// Start resolves the follow set and opens the live subscription. A failed
// lookup is returned as *LookupError, but the feed still runs with the
// viewer's own items.
func (f *Feed) Start(ctx context.Context) error {
	follows, err := f.tracker.Resolve(ctx, f.viewer)
	f.SetFollows(follows)
	return err
}

// ReloadFollows resolves the follow set again and resubscribes if it changed.
// A failed lookup keeps the current window.
func (f *Feed) ReloadFollows(ctx context.Context) error {
	follows, err := f.tracker.Resolve(ctx, f.viewer)
	if err != nil {
		return err
	}
	f.SetFollows(follows)
	return nil
}

// SetFollows updates the producer set, keeping the current limit. The
// viewer is always part of the set.
func (f *Feed) SetFollows(follows models.FollowSet) {
	producers := follows.With(f.viewer)
	f.resubscribe(func() (models.Window, bool) {
		return f.windows.SetProducers(producers)
	})
	if f.stories != nil {
		f.stories.SetProducers(producers)
	}
}

// EndReached grows the window by one page
func (f *Feed) EndReached() {
	f.resubscribe(func() (models.Window, bool) {
		if !f.windows.Ready() {
			return models.Window{}, false
		}
		return f.windows.Grow(), true
	})
}

// Refresh re-opens the subscription. It returns false when a refresh is
// already in flight, in which case this call joins it.
func (f *Feed) Refresh() bool {
	started := f.resubscribe(func() (models.Window, bool) {
		if f.refreshing || !f.windows.Ready() {
			return models.Window{}, false
		}
		f.refreshing = true
		if f.settings.ResetOnRefresh {
			w, _ := f.windows.Reset()
			return w, true
		}
		return f.windows.Current(), true
	})

	log.WithFields(log.Fields{
		"viewer":  f.viewer,
		"started": started,
	}).Info("Refresh requested")

	return started
}

// Window returns the window the feed is subscribed to
func (f *Feed) Window() models.Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows.Current()
}

// Stories returns the story strip, nil when stories are disabled
func (f *Feed) Stories() *StoryAggregator {
	return f.stories
}

func (f *Feed) Close() {
	f.view.Close()
	if f.stories != nil {
		f.stories.Close()
	}
}
