package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"github.com/MarcoPoloResearchLab/modhub/internal/backend"
	"go.uber.org/zap"
)

// DefaultDebounce delays filter-driven fetches so typing does not issue one request per key.
const DefaultDebounce = 400 * time.Millisecond

// BrowserConfig wires a Browser.
type BrowserConfig struct {
	Authority Authority
	PageSize  int
	Debounce  time.Duration
	Logger    *zap.Logger
}

// BrowseState is one rendered page of server-backed history.
type BrowseState struct {
	Filters   activity.Filters
	Page      int
	PageSize  int
	PageCount int
	Total     int
	Records   []activity.Record
	Loading   bool
	Err       error
	Sequence  uint64
}

// Browser pages through the full server-side history. Filter changes are debounced and
// reset to page 1; responses to superseded requests are discarded.
type Browser struct {
	authority Authority
	debounce  time.Duration
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	filters  activity.Filters
	page     int
	pageSize int
	sequence uint64
	timer    *time.Timer
	state    BrowseState
	closed   bool
	inflight sync.WaitGroup

	updates *broadcaster[BrowseState]
}

// NewBrowser builds a Browser positioned on page 1 with no filters. Nothing is fetched until
// Reload, SetPage, or SetFilters is called.
func NewBrowser(cfg BrowserConfig) (*Browser, error) {
	if cfg.Authority == nil {
		return nil, errMissingAuthority
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = activity.DefaultPageSize
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		authority: cfg.Authority,
		debounce:  debounce,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		page:      1,
		pageSize:  pageSize,
		state:     BrowseState{Page: 1, PageSize: pageSize, PageCount: 1},
		updates:   newBroadcaster[BrowseState](),
	}, nil
}

// Updates delivers the latest BrowseState after each change.
func (b *Browser) Updates() (<-chan BrowseState, func()) {
	return b.updates.subscribe()
}

// State returns the current page.
func (b *Browser) State() BrowseState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneBrowseState(b.state)
}

// SetFilters merges patch, resets to page 1, and schedules a fetch after the debounce delay.
// Calls within the delay coalesce into one request.
func (b *Browser) SetFilters(patch activity.FilterPatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.filters = b.filters.Apply(patch)
	b.page = 1
	b.stopTimerLocked()
	var timer *time.Timer
	timer = time.AfterFunc(b.debounce, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || b.timer != timer {
			return
		}
		b.timer = nil
		b.fetchLocked()
	})
	b.timer = timer
}

// SetPage fetches page n immediately, including any filter change still waiting on the
// debounce timer.
func (b *Browser) SetPage(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if n < 1 {
		n = 1
	}
	b.page = n
	b.stopTimerLocked()
	b.fetchLocked()
}

// Reload fetches the current page immediately.
func (b *Browser) Reload() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.stopTimerLocked()
	b.fetchLocked()
}

// Close cancels pending and in-flight requests and closes the update channels.
func (b *Browser) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.stopTimerLocked()
	b.mu.Unlock()

	b.cancel()
	b.inflight.Wait()
	b.updates.close()
}

func (b *Browser) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Browser) fetchLocked() {
	b.sequence++
	sequence := b.sequence
	query := backend.HistoryQuery{Page: b.page, PageSize: b.pageSize, Filters: b.filters}

	b.state.Filters = b.filters
	b.state.Loading = true
	b.state.Sequence = sequence
	b.updates.publish(cloneBrowseState(b.state))

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		response, err := b.authority.History(b.ctx, query)
		b.apply(sequence, query, response, err)
	}()
}

func (b *Browser) apply(sequence uint64, query backend.HistoryQuery, response backend.HistoryPage, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if sequence != b.sequence {
		b.logger.Debug("discarding stale history page",
			zap.Uint64("sequence", sequence),
			zap.Uint64("latest", b.sequence))
		return
	}

	if err != nil {
		if !errors.Is(err, backend.ErrAuthRequired) {
			b.logger.Warn("history page fetch failed; keeping the last loaded page", zap.Error(err))
		}
		// the last page that loaded stays visible
		next := cloneBrowseState(b.state)
		next.Loading = false
		next.Err = err
		next.Sequence = sequence
		b.state = next
		b.updates.publish(cloneBrowseState(next))
		return
	}

	next := BrowseState{
		Filters:  query.Filters,
		PageSize: query.PageSize,
		Sequence: sequence,
		Records:  response.Records,
		Total:    response.Total,
		Page:     response.Page,
	}
	if next.Page < 1 {
		next.Page = query.Page
	}
	next.PageCount = activity.PageCount(response.Total, query.PageSize)
	b.page = next.Page
	b.state = next
	b.updates.publish(cloneBrowseState(next))
}

func cloneBrowseState(state BrowseState) BrowseState {
	state.Records = activity.CloneAll(state.Records)
	return state
}
