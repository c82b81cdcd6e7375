package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"homefeed/models"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homefeed_ingest_events_total",
		Help: "Change events applied, by kind",
	}, []string{"kind"})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homefeed_ingest_decode_errors_total",
		Help: "Messages that could not be decoded",
	})

	applyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homefeed_ingest_apply_errors_total",
		Help: "Change events the sink rejected",
	})
)

// Sink stores change events
type Sink interface {
	Apply(ctx context.Context, event models.ChangeEvent) error
}

// ParallelProcessor applies events on a fixed set of workers. Events for
// the same document always land on the same worker so they apply in order.
type ParallelProcessor struct {
	sink    Sink
	decoder *Decoder
	queues  []chan Event
	wg      sync.WaitGroup
	cursor  atomic.Int64
}

func NewParallelProcessor(sink Sink, decoder *Decoder, maxWorkers, maxQueueSize int) *ParallelProcessor {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	pp := &ParallelProcessor{
		sink:    sink,
		decoder: decoder,
		queues:  make([]chan Event, maxWorkers),
	}
	for i := range pp.queues {
		pp.queues[i] = make(chan Event, maxQueueSize)
	}
	return pp
}

func (pp *ParallelProcessor) Start(ctx context.Context) {
	for i, queue := range pp.queues {
		pp.wg.Add(1)
		go pp.startWorker(ctx, i, queue)
	}
}

// Stop drains the queues and waits for the workers
func (pp *ParallelProcessor) Stop() {
	for _, queue := range pp.queues {
		close(queue)
	}
	pp.wg.Wait()
}

// Cursor is the newest stream position handed to a worker
func (pp *ParallelProcessor) Cursor() int64 {
	return pp.cursor.Load()
}

// Submit decodes msg and queues it for its worker. Undecodable messages are
// logged and dropped.
func (pp *ParallelProcessor) Submit(ctx context.Context, msg *RawMessage) error {
	event, err := pp.decoder.Decode(msg)
	if err != nil {
		decodeErrors.Inc()
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Dropping undecodable message")
		return nil
	}

	queue := pp.queues[xxhash.Sum64String(event.Key())%uint64(len(pp.queues))]
	select {
	case queue <- event:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		current := pp.cursor.Load()
		if event.TimeUS <= current || pp.cursor.CompareAndSwap(current, event.TimeUS) {
			return nil
		}
	}
}

func (pp *ParallelProcessor) startWorker(ctx context.Context, id int, queue <-chan Event) {
	defer pp.wg.Done()

	for event := range queue {
		if err := pp.sink.Apply(ctx, event.ChangeEvent); err != nil {
			applyErrors.Inc()
			log.WithFields(log.Fields{
				"worker": id,
				"key":    event.Key(),
				"error":  err,
			}).Error("Error applying change event")
			continue
		}
		eventsProcessed.WithLabelValues(event.Kind.String()).Inc()
	}
	log.Debugf("Worker %d: Shutting down", id)
}
