package history

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"github.com/MarcoPoloResearchLab/modhub/internal/backend"
	"github.com/MarcoPoloResearchLab/modhub/internal/localcache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const backgroundTimeout = 15 * time.Second

// Authority is the authoritative backend as seen by the client.
type Authority interface {
	Authenticated() bool
	History(ctx context.Context, query backend.HistoryQuery) (backend.HistoryPage, error)
	HistoryCount(ctx context.Context) (int64, error)
	ToggleFavorite(ctx context.Context, subjectID activity.SubjectID) (backend.FavoriteResponse, error)
	RegisterDownload(ctx context.Context, subjectID activity.SubjectID) (backend.DownloadResponse, error)
	GetSubject(ctx context.Context, subjectID activity.SubjectID) (backend.Subject, error)
}

// AssetOpener hands a retrieved asset location to whatever performs the actual download.
type AssetOpener interface {
	Open(ctx context.Context, location string) error
}

// AssetOpenerFunc adapts a function to AssetOpener.
type AssetOpenerFunc func(ctx context.Context, location string) error

// Open calls f.
func (f AssetOpenerFunc) Open(ctx context.Context, location string) error {
	return f(ctx, location)
}

// Config wires a Service.
type Config struct {
	Authority Authority
	Store     *localcache.Store
	Notifier  localcache.InvalidationChannel
	Opener    AssetOpener
	Logger    *zap.Logger
	Clock     func() time.Time
	PageSize  int
}

// Snapshot is the presentation-facing state of one session.
type Snapshot struct {
	Records          []activity.Record
	View             activity.Page
	Filters          activity.Filters
	Count            Count
	HasAnyRemoteData bool
	Degraded         bool
	Subjects         map[activity.SubjectID]SubjectState
}

// Service reconciles the device log with the authoritative history and drives optimistic
// mutations for one session.
type Service struct {
	authority Authority
	store     *localcache.Store
	notifier  localcache.InvalidationChannel
	opener    AssetOpener
	logger    *zap.Logger
	clock     func() time.Time
	pageSize  int

	mu        sync.Mutex
	merged    []activity.Record
	remote    []activity.Record
	hasRemote bool
	degraded  bool
	filters   activity.Filters
	page      int
	view      activity.Page
	count     Count
	listSeq   uint64
	countSeq  uint64
	subjects  map[activity.SubjectID]SubjectState
	pending   map[activity.SubjectID]struct{}

	updates    *broadcaster[Snapshot]
	background sync.WaitGroup
}

// NewService builds a Service and projects the device log so the first snapshot is usable
// before any network call.
func NewService(cfg Config) (*Service, error) {
	if cfg.Authority == nil {
		return nil, errMissingAuthority
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = activity.DefaultPageSize
	}

	service := &Service{
		authority: cfg.Authority,
		store:     cfg.Store,
		notifier:  cfg.Notifier,
		opener:    cfg.Opener,
		logger:    logger,
		clock:     clock,
		pageSize:  pageSize,
		page:      1,
		subjects:  make(map[activity.SubjectID]SubjectState),
		pending:   make(map[activity.SubjectID]struct{}),
		updates:   newBroadcaster[Snapshot](),
	}
	service.merged = activity.Reconcile(cfg.Store.ReadAll(), nil)
	if lastKnown, ok := cfg.Store.Counter(totalCounterName); ok {
		service.count.LastKnown = lastKnown
	}
	service.count.Value = int64(len(service.merged))
	service.count.Approximate = true
	service.reprojectLocked()
	return service, nil
}

// MergedHistory returns the current reconciled view.
func (s *Service) MergedHistory() []activity.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activity.CloneAll(s.merged)
}

// HasAnyRemoteData reports whether a history fetch has succeeded during this session.
func (s *Service) HasAnyRemoteData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasRemote
}

// View returns the current page of the filtered merged history.
func (s *Service) View() activity.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePage(s.view)
}

// Snapshot returns the full session state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SetFilters merges patch into the active filters, returns to page 1, and re-projects the
// already fetched records.
func (s *Service) SetFilters(patch activity.FilterPatch) activity.Page {
	s.mu.Lock()
	s.filters = s.filters.Apply(patch)
	s.page = 1
	s.reprojectLocked()
	view := clonePage(s.view)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.updates.publish(snapshot)
	return view
}

// SetPage moves to page n, clamped to the available pages.
func (s *Service) SetPage(n int) activity.Page {
	s.mu.Lock()
	s.page = n
	s.reprojectLocked()
	view := clonePage(s.view)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.updates.publish(snapshot)
	return view
}

// Subscribe delivers the latest Snapshot after every state change.
func (s *Service) Subscribe() (<-chan Snapshot, func()) {
	return s.updates.subscribe()
}

// Refresh re-reads the device log, fetches the authoritative history and count in parallel,
// and reconciles. Failures degrade the result and are never returned.
func (s *Service) Refresh(ctx context.Context) Snapshot {
	var group errgroup.Group
	group.Go(func() error {
		s.refreshList(ctx)
		return nil
	})
	group.Go(func() error {
		s.ResolveCount(ctx)
		return nil
	})
	_ = group.Wait()

	s.mu.Lock()
	if s.count.Approximate {
		s.count.Value = int64(len(s.merged))
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.updates.publish(snapshot)
	return snapshot
}

// Watch refreshes whenever a sibling context signals a history change. The returned function
// stops watching.
func (s *Service) Watch(ctx context.Context) func() {
	if s.notifier == nil {
		return func() {}
	}
	return s.notifier.OnSignal(ctx, localcache.ChannelHistory, func(marker int64) {
		s.logger.Debug("history change signaled", zap.Int64("marker", marker))
		s.Refresh(ctx)
	})
}

// Wait blocks until background count refreshes started by mutations have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// Close stops delivering snapshots and waits for background work.
func (s *Service) Close() {
	s.background.Wait()
	s.updates.close()
}

func (s *Service) refreshList(ctx context.Context) {
	s.mu.Lock()
	s.listSeq++
	sequence := s.listSeq
	s.mu.Unlock()

	var remote []activity.Record
	remoteLoaded := false
	degraded := false
	if s.authority.Authenticated() {
		page, err := s.authority.History(ctx, backend.HistoryQuery{Page: 1, PageSize: activity.Cap})
		if err != nil {
			degraded = true
			s.logger.Warn("remote history unavailable; showing local history", zap.Error(err))
		} else {
			remote = page.Records
			remoteLoaded = true
		}
	}

	s.mu.Lock()
	if remoteLoaded {
		s.hasRemote = true
	}
	if sequence != s.listSeq {
		s.mu.Unlock()
		s.logger.Debug("discarding superseded history response", zap.Uint64("sequence", sequence))
		return
	}
	// the device log is read after the response so records appended meanwhile are kept
	s.merged = activity.Reconcile(s.store.ReadAll(), remote)
	s.remote = remote
	s.degraded = degraded
	s.reprojectLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.updates.publish(snapshot)
}

// remergeLocal rebuilds the merged view from the device log and the last remote list without
// a network call. It is not a request, so in-flight list refreshes still apply.
func (s *Service) remergeLocal() {
	s.mu.Lock()
	s.merged = activity.Reconcile(s.store.ReadAll(), s.remote)
	s.reprojectLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.updates.publish(snapshot)
}

func (s *Service) runBackground(parent context.Context, task func(ctx context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), backgroundTimeout)
		defer cancel()
		task(ctx)
	}()
}

func (s *Service) reprojectLocked() {
	s.view = activity.Project(s.merged, s.filters, s.page, s.pageSize, s.clock())
	s.page = s.view.Number
}

func (s *Service) snapshotLocked() Snapshot {
	subjects := make(map[activity.SubjectID]SubjectState, len(s.subjects))
	for id, state := range s.subjects {
		subjects[id] = state.clone()
	}
	return Snapshot{
		Records:          activity.CloneAll(s.merged),
		View:             clonePage(s.view),
		Filters:          s.filters,
		Count:            s.count,
		HasAnyRemoteData: s.hasRemote,
		Degraded:         s.degraded,
		Subjects:         subjects,
	}
}

func clonePage(page activity.Page) activity.Page {
	page.Items = activity.CloneAll(page.Items)
	return page
}
