package server

import (
	"sync"

	"homefeed/feeds"

	log "github.com/sirupsen/logrus"
)

// Broadcaster tracks the open SSE streams so they can be ended from outside
type Broadcaster struct {
	sync.RWMutex
	clients map[string]*sseClient
}

type sseClient struct {
	states chan feeds.State
	done   chan struct{}
	// remove detaches the client from its feed
	remove func()
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*sseClient)}
}

// AddClient registers a stream. The state channel holds only the newest
// undelivered state; done is closed when the client is removed.
func (b *Broadcaster) AddClient(key string, f *feeds.Feed) (states <-chan feeds.State, done <-chan struct{}) {
	client := &sseClient{
		states: make(chan feeds.State, 1),
		done:   make(chan struct{}),
	}

	b.Lock()
	defer b.Unlock()
	b.clients[key] = client
	// Hooks run one at a time, so the drain and send below do not race
	client.remove = f.OnChange(func(s feeds.State) {
		for {
			select {
			case client.states <- s:
				return
			default:
			}
			select {
			case <-client.states:
			default:
			}
		}
	})

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Adding client to broadcaster")
	return client.states, client.done
}

// RemoveClient detaches a stream and closes its done channel
func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	client, ok := b.clients[key]
	delete(b.clients, key)
	count := len(b.clients)
	b.Unlock()

	if !ok {
		return
	}
	client.remove()
	close(client.done)

	log.WithFields(log.Fields{
		"key":   key,
		"count": count,
	}).Info("Removed client from broadcaster")
}

func (b *Broadcaster) Len() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.RLock()
	keys := make([]string, 0, len(b.clients))
	for key := range b.clients {
		keys = append(keys, key)
	}
	b.RUnlock()

	for _, key := range keys {
		b.RemoveClient(key)
	}
}
