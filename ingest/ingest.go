// Package ingest subscribes to a websocket change stream and writes the
// events it carries into a Sink.
package ingest

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Settings for a full ingest pipeline
type Settings struct {
	Config
	Workers   int
	QueueSize int
}

// Subscribe streams events into sink until ctx is cancelled. Queued events
// are applied before it returns.
func Subscribe(ctx context.Context, sink Sink, settings Settings) error {
	decoder, err := NewDecoder(settings.Compress)
	if err != nil {
		return err
	}
	defer decoder.Close()

	pp := NewParallelProcessor(sink, decoder, settings.Workers, settings.QueueSize)
	// Workers outlive ctx so already queued events still reach the sink
	pp.Start(context.WithoutCancel(ctx))
	defer pp.Stop()

	client := NewClient(settings.Config, pp.Cursor)
	queue := make(chan *RawMessage, settings.QueueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		return client.Stream(gctx, queue)
	})
	g.Go(func() error {
		for msg := range queue {
			if err := pp.Submit(gctx, msg); err != nil {
				log.WithField("error", err).Debug("Stopped submitting messages")
				return nil
			}
		}
		return nil
	})

	err = g.Wait()
	log.WithFields(log.Fields{
		"cursor": pp.Cursor(),
	}).Info("Change stream subscription ended")
	return err
}
