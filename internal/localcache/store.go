package localcache

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"go.uber.org/zap"
)

const (
	recentKey        = "activity.recent"
	counterKeyPrefix = "counter."
)

// StoreConfig wires a Store to its storage and notifier.
type StoreConfig struct {
	Storage  Storage
	Notifier InvalidationChannel
	Logger   *zap.Logger
}

// Store is the capped, most-recent-first activity log kept on the device.
type Store struct {
	storage  Storage
	notifier InvalidationChannel
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewStore builds a Store. A nil notifier disables signaling.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{storage: cfg.Storage, notifier: cfg.Notifier, logger: logger}
}

// Append upserts record by subject, keeps the newest 20 entries, and signals the history
// channel. Appending the same record twice leaves the log unchanged.
func (s *Store) Append(record activity.Record) error {
	if _, err := activity.NewSubjectID(record.SubjectID.String()); err != nil {
		return err
	}

	s.mu.Lock()
	records := s.readAll()
	updated := make([]activity.Record, 0, len(records)+1)
	entry := record.Clone()
	entry.Origin = activity.OriginLocal
	updated = append(updated, entry)
	for _, existing := range records {
		if existing.SubjectID == record.SubjectID {
			continue
		}
		updated = append(updated, existing)
	}
	activity.SortNewestFirst(updated)
	if len(updated) > activity.Cap {
		updated = updated[:activity.Cap]
	}

	encoded, err := json.Marshal(updated)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.storage.Set(recentKey, encoded); err != nil {
		s.mu.Unlock()
		s.logger.Warn("activity append failed", zap.String("subject_id", record.SubjectID.String()), zap.Error(err))
		return err
	}
	s.mu.Unlock()

	s.signal()
	return nil
}

// ReadAll returns the local log, newest first. Unreadable data reads as an empty log.
func (s *Store) ReadAll() []activity.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll()
}

// Counter returns a persisted counter and whether it was ever written.
func (s *Store) Counter(name string) (int64, bool) {
	raw, ok, err := s.storage.Get(counterKeyPrefix + name)
	if err != nil || !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		s.logger.Debug("discarding unreadable counter", zap.String("counter", name), zap.Error(err))
		return 0, false
	}
	return value, true
}

// SetCounter persists a counter value.
func (s *Store) SetCounter(name string, value int64) error {
	return s.storage.Set(counterKeyPrefix+name, []byte(strconv.FormatInt(value, 10)))
}

func (s *Store) readAll() []activity.Record {
	raw, ok, err := s.storage.Get(recentKey)
	if err != nil {
		s.logger.Warn("activity log read failed", zap.Error(err))
		return nil
	}
	if !ok || len(raw) == 0 {
		return nil
	}
	var records []activity.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		s.logger.Warn("discarding unreadable activity log", zap.Error(err))
		return nil
	}

	seen := make(map[activity.SubjectID]struct{}, len(records))
	cleaned := records[:0]
	for _, record := range records {
		if record.SubjectID == "" {
			continue
		}
		if _, dup := seen[record.SubjectID]; dup {
			continue
		}
		seen[record.SubjectID] = struct{}{}
		record.Origin = activity.OriginLocal
		cleaned = append(cleaned, record)
	}
	if len(cleaned) > activity.Cap {
		cleaned = cleaned[:activity.Cap]
	}
	return cleaned
}

func (s *Store) signal() {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Signal(ChannelHistory); err != nil {
		s.logger.Debug("history signal failed", zap.Error(err))
	}
}
