package broker

import "sync"

// notifier is a lossy broadcast. Each subscriber holds a buffered channel of
// fixed capacity; when a subscriber lags, the oldest buffered value is
// dropped to make room for the newest. Subscribers that need every event
// should not use this.
type notifier[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func newNotifier[T any]() *notifier[T] {
	return &notifier[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a receive channel and an unsubscribe function. The
// channel is closed on unsubscribe or when the notifier closes.
func (n *notifier[T]) Subscribe(capacity int) (<-chan T, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan T, capacity)
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
}

// Publish delivers v to every subscriber without blocking.
func (n *notifier[T]) Publish(v T) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, ch := range n.subs {
		for {
			select {
			case ch <- v:
			default:
				// Full: evict the oldest buffered value and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (n *notifier[T]) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
