package db

import (
	"sync"

	"homefeed/models"
	"homefeed/query"

	log "github.com/sirupsen/logrus"
)

// Hub wakes live queries when a write could change their result
type Hub struct {
	sync.RWMutex
	clients map[string]*hubClient
}

type hubClient struct {
	query  query.Query
	signal chan struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*hubClient)}
}

// AddClient registers a query. The returned channel carries at most one
// pending signal, so bursts of writes collapse into a single re-run.
func (h *Hub) AddClient(key string, q query.Query) <-chan struct{} {
	h.Lock()
	defer h.Unlock()
	client := &hubClient{query: q, signal: make(chan struct{}, 1)}
	h.clients[key] = client
	log.WithFields(log.Fields{
		"key":        key,
		"collection": q.Collection,
		"count":      len(h.clients),
	}).Debug("Adding client to hub")
	return client.signal
}

func (h *Hub) RemoveClient(key string) {
	h.Lock()
	defer h.Unlock()
	if client, ok := h.clients[key]; ok {
		close(client.signal)
		delete(h.clients, key)
	}
}

// Broadcast signals every client whose query could match one of items
func (h *Hub) Broadcast(collection string, items ...models.FeedItem) {
	h.RLock()
	defer h.RUnlock()
	for _, client := range h.clients {
		for _, item := range items {
			if client.query.Matches(collection, item) {
				client.wake()
				break
			}
		}
	}
}

// BroadcastCollection signals every client reading collection
func (h *Hub) BroadcastCollection(collection string) {
	h.RLock()
	defer h.RUnlock()
	for _, client := range h.clients {
		if client.query.Collection == collection {
			client.wake()
		}
	}
}

func (h *Hub) Len() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

func (h *Hub) Shutdown() {
	log.Info("Shutting down hub")
	h.Lock()
	defer h.Unlock()
	for key, client := range h.clients {
		close(client.signal)
		delete(h.clients, key)
	}
}

func (c *hubClient) wake() {
	select {
	case c.signal <- struct{}{}: // Non-blocking send
	default:
	}
}
