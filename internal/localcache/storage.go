package localcache

import (
	"errors"
	"sync"
)

var (
	// ErrStorageClosed is returned by storage operations after Close.
	ErrStorageClosed = errors.New("localcache: storage closed")
	// ErrEmptyKey indicates a storage call without a key.
	ErrEmptyKey = errors.New("localcache: key is required")
)

// Storage is a device-local key-value slot shared by every execution context of a session.
// Get and Set are synchronous. Subscribe delivers at-least-once "key changed" hints, including
// for writes made by other contexts sharing the same storage.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Subscribe(key string) (<-chan struct{}, func())
}

// dispatcher fans key-change hints out to subscribers without blocking writers.
type dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan struct{}
	nextID      int64
}

func newDispatcher() *dispatcher {
	return &dispatcher{subscribers: make(map[string]map[int64]chan struct{})}
}

func (d *dispatcher) subscribe(key string) (<-chan struct{}, func()) {
	stream := make(chan struct{}, 1)
	if key == "" {
		close(stream)
		return stream, func() {}
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]chan struct{})
	}
	d.subscribers[key][id] = stream
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			subscribers := d.subscribers[key]
			if subscribers != nil {
				delete(subscribers, id)
				if len(subscribers) == 0 {
					delete(d.subscribers, key)
				}
			}
			d.mu.Unlock()
		})
	}
	return stream, cancel
}

// publish coalesces hints: a subscriber with an undelivered hint is not sent another one.
func (d *dispatcher) publish(key string) {
	d.mu.RLock()
	subscribers := d.subscribers[key]
	streams := make([]chan struct{}, 0, len(subscribers))
	for _, stream := range subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- struct{}{}:
		default:
		}
	}
}
