package localcache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/database"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	signalDirSuffix  = ".signals"
	busyTimeoutParam = "?_pragma=busy_timeout(5000)"
)

type cacheEntry struct {
	Key         string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value       []byte `gorm:"column:entry_value;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

func (cacheEntry) TableName() string {
	return "cache_entries"
}

// SQLiteStorageConfig configures a device cache file.
type SQLiteStorageConfig struct {
	Path   string
	Logger *zap.Logger
	Clock  func() time.Time
}

// SQLiteStorage persists cache entries in a SQLite file. Each Set also rewrites a sentinel
// file named after the key in a sibling ".signals" directory; an fsnotify watcher on that
// directory turns writes from any process sharing the file into subscription hints.
type SQLiteStorage struct {
	db        *gorm.DB
	signalDir string
	events    *dispatcher
	logger    *zap.Logger
	clock     func() time.Time

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// OpenSQLiteStorage opens or creates the cache database and its signal directory.
func OpenSQLiteStorage(cfg SQLiteStorageConfig) (*SQLiteStorage, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("localcache: cache path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	signalDir := path + signalDirSuffix
	if err := os.MkdirAll(signalDir, 0o755); err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(path+busyTimeoutParam, logger, database.Schema{Models: []any{&cacheEntry{}}})
	if err != nil {
		return nil, err
	}

	return &SQLiteStorage{
		db:        db,
		signalDir: signalDir,
		events:    newDispatcher(),
		logger:    logger,
		clock:     clock,
		done:      make(chan struct{}),
	}, nil
}

// Get reads a value from the cache database.
func (s *SQLiteStorage) Get(key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	if s.isClosed() {
		return nil, false, ErrStorageClosed
	}
	var entry cacheEntry
	err := s.db.Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// Set upserts a value and raises the key's sentinel file.
func (s *SQLiteStorage) Set(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if s.isClosed() {
		return ErrStorageClosed
	}
	updatedAt := s.clock().UTC().UnixMilli()
	entry := cacheEntry{Key: key, Value: append([]byte(nil), value...), UpdatedAtMs: updatedAt}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_ms"}),
	}).Create(&entry).Error
	if err != nil {
		return err
	}

	sentinel := filepath.Join(s.signalDir, hex.EncodeToString([]byte(key)))
	if err := os.WriteFile(sentinel, []byte(strconv.FormatInt(updatedAt, 10)), 0o644); err != nil {
		s.logger.Warn("cache signal write failed", zap.String("key", key), zap.Error(err))
	}
	s.events.publish(key)
	return nil
}

// Subscribe starts the directory watcher on first use and registers for hints on key.
func (s *SQLiteStorage) Subscribe(key string) (<-chan struct{}, func()) {
	if err := s.ensureWatcher(); err != nil {
		s.logger.Warn("cache watcher unavailable; only same-process writes will be observed", zap.Error(err))
	}
	return s.events.subscribe(key)
}

// Close stops the watcher and releases the database handle.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	watcher := s.watcher
	s.mu.Unlock()

	var closeErr error
	if watcher != nil {
		closeErr = watcher.Close()
	}
	s.wg.Wait()

	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Join(closeErr, err)
	}
	return errors.Join(closeErr, sqlDB.Close())
}

func (s *SQLiteStorage) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SQLiteStorage) ensureWatcher() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.signalDir); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watchLoop(watcher)
	return nil
}

func (s *SQLiteStorage) watchLoop(watcher *fsnotify.Watcher) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleSignalEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug("cache watcher error", zap.Error(err))
		}
	}
}

func (s *SQLiteStorage) handleSignalEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	raw, err := hex.DecodeString(filepath.Base(event.Name))
	if err != nil || len(raw) == 0 {
		return
	}
	s.events.publish(string(raw))
}
