package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"homefeed/models"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
)

// Event is one message on the change stream
type Event struct {
	// TimeUS is the stream position, used as the resume cursor
	TimeUS int64 `json:"time_us"`
	models.ChangeEvent
}

// Key identifies the document an event writes to
func (e Event) Key() string {
	return e.Collection + "/" + e.Item.ID
}

func (e Event) Validate() error {
	switch {
	case e.Collection == "":
		return errors.New("event has no collection")
	case e.Item.ID == "":
		return errors.New("event has no item id")
	case e.Kind == models.Removed:
		return nil
	case e.Item.ProducerID == "":
		return fmt.Errorf("%s has no producer", e.Key())
	case e.Item.CreatedAt.IsZero():
		return fmt.Errorf("%s has no creation time", e.Key())
	}
	return nil
}

// Decoder turns raw websocket frames into events. Binary frames are zstd
// compressed when compression was requested.
type Decoder struct {
	zstd *zstd.Decoder
}

func NewDecoder(compress bool) (*Decoder, error) {
	if !compress {
		return &Decoder{}, nil
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Decoder{zstd: decoder}, nil
}

func (d *Decoder) Decode(msg *RawMessage) (Event, error) {
	data := msg.Data
	if msg.MessageType == websocket.BinaryMessage && d.zstd != nil {
		var err error
		if data, err = d.zstd.DecodeAll(msg.Data, nil); err != nil {
			return Event{}, fmt.Errorf("failed to decompress message: %w", err)
		}
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

func (d *Decoder) Close() {
	if d.zstd != nil {
		d.zstd.Close()
	}
}
