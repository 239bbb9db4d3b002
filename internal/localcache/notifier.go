package localcache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// ChannelHistory is raised whenever the activity log or the backend history changed.
const ChannelHistory = "history"

const signalKeyPrefix = "signal."

// InvalidationChannel broadcasts "something changed, refetch" hints between execution
// contexts. Delivery is at-least-once and unordered; callers must not treat it as data.
type InvalidationChannel interface {
	Signal(channel string) (int64, error)
	OnSignal(ctx context.Context, channel string, callback func(marker int64)) func()
}

// Notifier implements InvalidationChannel on top of a shared Storage by writing a
// monotonically increasing marker under a well-known key per channel.
type Notifier struct {
	storage Storage
	clock   func() time.Time
	mu      sync.Mutex
}

// NewNotifier builds a notifier over storage.
func NewNotifier(storage Storage, clock func() time.Time) *Notifier {
	if clock == nil {
		clock = time.Now
	}
	return &Notifier{storage: storage, clock: clock}
}

// Signal writes max(now in milliseconds, previous marker + 1) and returns it.
func (n *Notifier) Signal(channel string) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := signalKey(channel)
	marker := n.clock().UnixMilli()
	if previous, ok := n.read(key); ok && previous >= marker {
		marker = previous + 1
	}
	if err := n.storage.Set(key, []byte(strconv.FormatInt(marker, 10))); err != nil {
		return 0, err
	}
	return marker, nil
}

// Marker returns the current marker for channel, or zero when none was written.
func (n *Notifier) Marker(channel string) int64 {
	marker, _ := n.read(signalKey(channel))
	return marker
}

// OnSignal invokes callback each time channel's marker changes, including changes written by
// this process. Callbacks run on a dedicated goroutine, one at a time. The returned function
// stops delivery; cancelling ctx does the same.
func (n *Notifier) OnSignal(ctx context.Context, channel string, callback func(marker int64)) func() {
	key := signalKey(channel)
	hints, unsubscribe := n.storage.Subscribe(key)
	lastSeen, _ := n.read(key)

	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-hints:
				if !ok {
					return
				}
				marker, found := n.read(key)
				if !found || marker == lastSeen {
					continue
				}
				lastSeen = marker
				callback(marker)
			}
		}
	}()
	return cancel
}

func (n *Notifier) read(key string) (int64, bool) {
	raw, ok, err := n.storage.Get(key)
	if err != nil || !ok {
		return 0, false
	}
	marker, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return marker, true
}

func signalKey(channel string) string {
	return signalKeyPrefix + channel
}
