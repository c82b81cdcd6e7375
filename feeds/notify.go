package feeds

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// notifier hands state snapshots to hooks on its own goroutine, in the order
// they were published. Publishing never blocks.
type notifier struct {
	mu      sync.Mutex
	hooks   map[int]func(State)
	nextID  int
	queue   []State
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		hooks: make(map[int]func(State)),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) add(hook func(State)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.hooks[id] = hook
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.hooks, id)
	}
}

func (n *notifier) publish(s State) {
	n.mu.Lock()
	if n.stopped || len(n.hooks) == 0 {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, s)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}

		for {
			n.mu.Lock()
			if n.stopped || len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			s := n.queue[0]
			n.queue = n.queue[1:]
			ids := lo.Keys(n.hooks)
			slices.Sort(ids)
			hooks := lo.Map(ids, func(id int, _ int) func(State) { return n.hooks[id] })
			n.mu.Unlock()

			for _, hook := range hooks {
				hook(s)
			}
		}
	}
}

// stop does not wait for a running hook, so it is safe to call from one
func (n *notifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	n.queue = nil
	close(n.done)
}
