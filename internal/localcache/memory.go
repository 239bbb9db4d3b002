package localcache

import "sync"

// MemoryStorage keeps values in process memory. Every Store or Notifier built on the same
// MemoryStorage behaves like a sibling context sharing one device cache.
type MemoryStorage struct {
	mu       sync.RWMutex
	values   map[string][]byte
	events   *dispatcher
	failSets error
}

// NewMemoryStorage constructs an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: make(map[string][]byte),
		events: newDispatcher(),
	}
}

// Get returns a copy of the stored value.
func (s *MemoryStorage) Get(key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set stores a copy of value and notifies subscribers of key.
func (s *MemoryStorage) Set(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	if s.failSets != nil {
		err := s.failSets
		s.mu.Unlock()
		return err
	}
	s.values[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	s.events.publish(key)
	return nil
}

// Subscribe registers for change hints on key.
func (s *MemoryStorage) Subscribe(key string) (<-chan struct{}, func()) {
	return s.events.subscribe(key)
}

// FailWrites makes every subsequent Set return err; nil restores normal behavior.
// It simulates a full or unavailable device store.
func (s *MemoryStorage) FailWrites(err error) {
	s.mu.Lock()
	s.failSets = err
	s.mu.Unlock()
}
