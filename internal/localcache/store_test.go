package localcache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
)

var storeBaseTime = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func downloadRecord(id string, offsetMinutes int) activity.Record {
	return activity.Record{
		SubjectID:   activity.SubjectID(id),
		Kind:        activity.KindDownload,
		DisplayName: "Mod " + id,
		OccurredAt:  storeBaseTime.Add(time.Duration(offsetMinutes) * time.Minute),
	}
}

func newMemoryStore(storage *MemoryStorage) (*Store, *Notifier) {
	notifier := NewNotifier(storage, nil)
	return NewStore(StoreConfig{Storage: storage, Notifier: notifier}), notifier
}

func TestStoreAppendUpsertsMostRecentFirst(t *testing.T) {
	store, _ := newMemoryStore(NewMemoryStorage())

	for _, record := range []activity.Record{downloadRecord("a", 1), downloadRecord("b", 2), downloadRecord("a", 3)} {
		if err := store.Append(record); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	records := store.ReadAll()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].SubjectID != "a" || !records[0].OccurredAt.Equal(storeBaseTime.Add(3*time.Minute)) {
		t.Fatalf("expected replaced record first, got %+v", records[0])
	}
	if records[0].Origin != activity.OriginLocal || records[1].Origin != activity.OriginLocal {
		t.Fatalf("local log entries must carry local origin")
	}
}

func TestStoreAppendIsIdempotent(t *testing.T) {
	storage := NewMemoryStorage()
	store, _ := newMemoryStore(storage)
	record := downloadRecord("a", 1)

	if err := store.Append(record); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	first, _, _ := storage.Get(recentKey)
	if err := store.Append(record); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	second, _, _ := storage.Get(recentKey)
	if string(first) != string(second) {
		t.Fatalf("second append changed log:\n%s\n%s", first, second)
	}
}

func TestStoreAppendEvictsOldestBeyondCap(t *testing.T) {
	store, _ := newMemoryStore(NewMemoryStorage())
	for index := 0; index < activity.Cap+5; index++ {
		if err := store.Append(downloadRecord(fmt.Sprintf("mod-%02d", index), index)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	records := store.ReadAll()
	if len(records) != activity.Cap {
		t.Fatalf("expected %d records, got %d", activity.Cap, len(records))
	}
	if records[0].SubjectID != "mod-24" || records[len(records)-1].SubjectID != "mod-05" {
		t.Fatalf("unexpected retained window %s..%s", records[0].SubjectID, records[len(records)-1].SubjectID)
	}
}

func TestStoreAppendRejectsMissingSubject(t *testing.T) {
	store, _ := newMemoryStore(NewMemoryStorage())
	if err := store.Append(activity.Record{}); !errors.Is(err, activity.ErrInvalidSubjectID) {
		t.Fatalf("expected ErrInvalidSubjectID, got %v", err)
	}
}

func TestStoreAppendSurfacesStorageFailure(t *testing.T) {
	storage := NewMemoryStorage()
	store, notifier := newMemoryStore(storage)
	storageFull := errors.New("quota exceeded")
	storage.FailWrites(storageFull)

	if err := store.Append(downloadRecord("a", 1)); !errors.Is(err, storageFull) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if notifier.Marker(ChannelHistory) != 0 {
		t.Fatalf("failed append must not signal")
	}
}

func TestStoreReadAllTreatsCorruptDataAsEmpty(t *testing.T) {
	storage := NewMemoryStorage()
	if err := storage.Set(recentKey, []byte("{not json")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	store, _ := newMemoryStore(storage)
	if records := store.ReadAll(); len(records) != 0 {
		t.Fatalf("expected empty log, got %d records", len(records))
	}
	if err := store.Append(downloadRecord("a", 1)); err != nil {
		t.Fatalf("append over corrupt log failed: %v", err)
	}
	if records := store.ReadAll(); len(records) != 1 {
		t.Fatalf("expected recovered log, got %d records", len(records))
	}
}

func TestStoreCounters(t *testing.T) {
	store, _ := newMemoryStore(NewMemoryStorage())
	if _, ok := store.Counter("history.total"); ok {
		t.Fatalf("expected missing counter")
	}
	if err := store.SetCounter("history.total", 42); err != nil {
		t.Fatalf("set counter failed: %v", err)
	}
	value, ok := store.Counter("history.total")
	if !ok || value != 42 {
		t.Fatalf("expected 42, got %d (%v)", value, ok)
	}
}

func TestNotifierSignalIsMonotonic(t *testing.T) {
	frozen := storeBaseTime
	notifier := NewNotifier(NewMemoryStorage(), func() time.Time { return frozen })

	first, err := notifier.Signal(ChannelHistory)
	if err != nil {
		t.Fatalf("signal failed: %v", err)
	}
	second, err := notifier.Signal(ChannelHistory)
	if err != nil {
		t.Fatalf("signal failed: %v", err)
	}
	if first != frozen.UnixMilli() || second != first+1 {
		t.Fatalf("expected strictly increasing markers, got %d then %d", first, second)
	}
}

func TestAppendSignalsSiblingContexts(t *testing.T) {
	storage := NewMemoryStorage()
	writer, _ := newMemoryStore(storage)
	sibling := NewNotifier(storage, nil)

	fired := make(chan int64, 4)
	cancel := sibling.OnSignal(context.Background(), ChannelHistory, func(marker int64) {
		fired <- marker
	})
	defer cancel()

	if err := writer.Append(downloadRecord("a", 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	select {
	case marker := <-fired:
		if marker == 0 {
			t.Fatalf("expected non-zero marker")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sibling context did not observe signal")
	}

	siblingStore := NewStore(StoreConfig{Storage: storage})
	if records := siblingStore.ReadAll(); len(records) != 1 || records[0].SubjectID != "a" {
		t.Fatalf("sibling store did not see appended record: %+v", records)
	}
}

func TestOnSignalStopsAfterCancel(t *testing.T) {
	storage := NewMemoryStorage()
	notifier := NewNotifier(storage, nil)
	fired := make(chan int64, 4)
	ctx, cancelCtx := context.WithCancel(context.Background())
	cancel := notifier.OnSignal(ctx, ChannelHistory, func(marker int64) {
		fired <- marker
	})
	cancelCtx()
	cancel()
	time.Sleep(20 * time.Millisecond)

	if _, err := notifier.Signal(ChannelHistory); err != nil {
		t.Fatalf("signal failed: %v", err)
	}
	select {
	case <-fired:
		t.Fatalf("callback fired after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}
