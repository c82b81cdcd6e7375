package feeds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homefeed_feed_subscriptions_opened_total",
		Help: "Logical live subscriptions opened, by view kind",
	}, []string{"kind"})

	chunksOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homefeed_feed_chunks_opened_total",
		Help: "Store subscriptions opened for producer chunks, by view kind",
	}, []string{"kind"})

	staleBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homefeed_feed_stale_batches_total",
		Help: "Change batches discarded because they belong to a superseded generation",
	}, []string{"kind"})

	queryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homefeed_feed_query_errors_total",
		Help: "Live subscriptions that ended with an error",
	}, []string{"kind"})

	lookupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homefeed_feed_lookup_errors_total",
		Help: "Follow set resolutions that failed",
	})
)
