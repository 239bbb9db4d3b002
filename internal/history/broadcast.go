package history

import "sync"

// broadcaster hands the latest value to each subscriber. A slow subscriber only ever holds
// the newest undelivered value.
type broadcaster[T any] struct {
	mu          sync.Mutex
	subscribers map[int64]chan T
	nextID      int64
	closed      bool
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subscribers: make(map[int64]chan T)}
}

func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	stream := make(chan T, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(stream)
		return stream, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subscribers[id] = stream
	b.mu.Unlock()

	var once sync.Once
	return stream, func() {
		once.Do(func() {
			b.mu.Lock()
			if existing, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(existing)
			}
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster[T]) publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, stream := range b.subscribers {
		select {
		case <-stream:
		default:
		}
		select {
		case stream <- value:
		default:
		}
	}
}

func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, stream := range b.subscribers {
		delete(b.subscribers, id)
		close(stream)
	}
}
