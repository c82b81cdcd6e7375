package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"homefeed/ingest"
	"homefeed/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	events []models.ChangeEvent
	fail   func(models.ChangeEvent) error
}

func (s *fakeSink) Apply(ctx context.Context, event models.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(event); err != nil {
			return err
		}
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSink) applied() []models.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChangeEvent(nil), s.events...)
}

func frame(t *testing.T, timeUS int64, kind models.ChangeKind, id string, version int) *ingest.RawMessage {
	t.Helper()
	data, err := json.Marshal(ingest.Event{
		TimeUS: timeUS,
		ChangeEvent: models.ChangeEvent{
			Collection: "posts",
			Kind:       kind,
			Item: models.FeedItem{
				ID:         id,
				ProducerID: "A",
				CreatedAt:  time.Unix(int64(version), 0).UTC(),
				Payload:    map[string]any{"version": version},
			},
		},
	})
	require.NoError(t, err)
	return &ingest.RawMessage{MessageType: websocket.TextMessage, Data: data}
}

func TestParallelProcessorKeepsPerItemOrder(t *testing.T) {
	sink := &fakeSink{}
	decoder, err := ingest.NewDecoder(false)
	require.NoError(t, err)

	pp := ingest.NewParallelProcessor(sink, decoder, 4, 8)
	ctx := context.Background()
	pp.Start(ctx)

	var timeUS int64
	for version := 1; version <= 20; version++ {
		for i := 0; i < 5; i++ {
			timeUS++
			require.NoError(t, pp.Submit(ctx, frame(t, timeUS, models.Modified, fmt.Sprintf("p%d", i), version)))
		}
	}
	pp.Stop()

	events := sink.applied()
	require.Len(t, events, 100)
	assert.Equal(t, timeUS, pp.Cursor())

	last := map[string]float64{}
	for _, event := range events {
		version := event.Item.Payload["version"].(float64)
		assert.Greater(t, version, last[event.Item.ID], "out of order for %s", event.Item.ID)
		last[event.Item.ID] = version
	}
}

func TestParallelProcessorDropsBadMessages(t *testing.T) {
	sink := &fakeSink{fail: func(event models.ChangeEvent) error {
		if event.Item.ID == "rejected" {
			return errors.New("rejected")
		}
		return nil
	}}
	decoder, err := ingest.NewDecoder(false)
	require.NoError(t, err)

	pp := ingest.NewParallelProcessor(sink, decoder, 2, 4)
	ctx := context.Background()
	pp.Start(ctx)

	require.NoError(t, pp.Submit(ctx, &ingest.RawMessage{MessageType: websocket.TextMessage, Data: []byte("garbage")}))
	require.NoError(t, pp.Submit(ctx, frame(t, 1, models.Added, "rejected", 1)))
	require.NoError(t, pp.Submit(ctx, frame(t, 2, models.Added, "kept", 1)))
	pp.Stop()

	events := sink.applied()
	require.Len(t, events, 1)
	assert.Equal(t, "kept", events[0].Item.ID)
}

func TestParallelProcessorSubmitRespectsContext(t *testing.T) {
	decoder, err := ingest.NewDecoder(false)
	require.NoError(t, err)

	// No workers started, so the single queue slot fills up
	pp := ingest.NewParallelProcessor(&fakeSink{}, decoder, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, pp.Submit(ctx, frame(t, 1, models.Added, "p1", 1)))
	cancel()
	assert.ErrorIs(t, pp.Submit(ctx, frame(t, 2, models.Added, "p1", 2)), context.Canceled)
}
