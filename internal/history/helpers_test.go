package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"github.com/MarcoPoloResearchLab/modhub/internal/backend"
	"github.com/MarcoPoloResearchLab/modhub/internal/localcache"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return testNow
}

type fakeAuthority struct {
	mu            sync.Mutex
	authenticated bool

	historyRecords []activity.Record
	historyErr     error
	historyHook    func(ctx context.Context, query backend.HistoryQuery) (backend.HistoryPage, error)
	historyQueries []backend.HistoryQuery

	countTotal int64
	countErr   error
	countCalls int

	favoriteResponse backend.FavoriteResponse
	favoriteErr      error
	favoriteGate     chan struct{}
	favoriteCalls    int

	downloadResponse backend.DownloadResponse
	downloadErr      error
	downloadCalls    int

	subject    backend.Subject
	subjectErr error
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{authenticated: true}
}

func (f *fakeAuthority) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeAuthority) History(ctx context.Context, query backend.HistoryQuery) (backend.HistoryPage, error) {
	f.mu.Lock()
	f.historyQueries = append(f.historyQueries, query)
	hook := f.historyHook
	records := activity.CloneAll(f.historyRecords)
	err := f.historyErr
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, query)
	}
	if err != nil {
		return backend.HistoryPage{}, err
	}
	for index := range records {
		records[index].Origin = activity.OriginRemote
	}
	return backend.HistoryPage{Records: records, Page: 1, PageSize: query.PageSize, Total: len(records)}, nil
}

func (f *fakeAuthority) HistoryCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	return f.countTotal, f.countErr
}

func (f *fakeAuthority) ToggleFavorite(ctx context.Context, subjectID activity.SubjectID) (backend.FavoriteResponse, error) {
	f.mu.Lock()
	f.favoriteCalls++
	gate := f.favoriteGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.favoriteResponse, f.favoriteErr
}

func (f *fakeAuthority) RegisterDownload(ctx context.Context, subjectID activity.SubjectID) (backend.DownloadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls++
	return f.downloadResponse, f.downloadErr
}

func (f *fakeAuthority) GetSubject(ctx context.Context, subjectID activity.SubjectID) (backend.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subject, f.subjectErr
}

func (f *fakeAuthority) queries() []backend.HistoryQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.HistoryQuery(nil), f.historyQueries...)
}

type recordingOpener struct {
	mu        sync.Mutex
	locations []string
	err       error
}

func (o *recordingOpener) Open(ctx context.Context, location string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.locations = append(o.locations, location)
	return o.err
}

func (o *recordingOpener) opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.locations...)
}

type serviceFixture struct {
	service   *Service
	authority *fakeAuthority
	storage   *localcache.MemoryStorage
	store     *localcache.Store
	opener    *recordingOpener
}

func newServiceFixture(t *testing.T, storage *localcache.MemoryStorage, authority *fakeAuthority) serviceFixture {
	t.Helper()
	if storage == nil {
		storage = localcache.NewMemoryStorage()
	}
	if authority == nil {
		authority = newFakeAuthority()
	}
	notifier := localcache.NewNotifier(storage, fixedClock)
	store := localcache.NewStore(localcache.StoreConfig{Storage: storage, Notifier: notifier})
	opener := &recordingOpener{}
	service, err := NewService(Config{
		Authority: authority,
		Store:     store,
		Notifier:  notifier,
		Opener:    opener,
		Clock:     fixedClock,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(service.Close)
	return serviceFixture{service: service, authority: authority, storage: storage, store: store, opener: opener}
}

func testRecord(id string, offsetMinutes int) activity.Record {
	return activity.Record{
		SubjectID:   activity.SubjectID(id),
		Kind:        activity.KindDownload,
		DisplayName: "Mod " + id,
		OccurredAt:  testNow.Add(time.Duration(offsetMinutes) * time.Minute),
	}
}

func subjectIDs(records []activity.Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.SubjectID.String())
	}
	return ids
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
