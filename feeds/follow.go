package feeds

import (
	"context"

	"homefeed/models"
	"homefeed/query"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// FollowTracker resolves the set of producers a viewer follows
type FollowTracker struct {
	store query.Store
}

func NewFollowTracker(store query.Store) *FollowTracker {
	return &FollowTracker{store: store}
}

// Resolve does a one-shot lookup. On failure it returns an empty set along
// with a *LookupError; it never retries.
func (t *FollowTracker) Resolve(ctx context.Context, viewer models.ProducerID) (models.FollowSet, error) {
	docs, err := t.store.Query(ctx, query.Query{Collection: models.FollowingCollection(viewer)})
	if err != nil {
		lookupErrors.Inc()
		log.WithFields(log.Fields{
			"viewer": viewer,
			"error":  err,
		}).Warn("Could not resolve follow set, falling back to own items")
		return models.FollowSet{}, &LookupError{Viewer: string(viewer), Err: err}
	}

	set := models.NewFollowSet(lo.Map(docs, func(doc models.FeedItem, _ int) models.ProducerID {
		return models.ProducerID(doc.ID)
	})...)

	log.WithFields(log.Fields{
		"viewer":    viewer,
		"following": set.Len(),
	}).Info("Resolved follow set")

	return set, nil
}
