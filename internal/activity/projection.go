package activity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/search"
)

// Period restricts a history view to a trailing time window.
type Period string

const (
	PeriodAll   Period = "all"
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// DefaultPageSize applies when a caller supplies a non-positive page size.
const DefaultPageSize = 10

// ErrInvalidPeriod indicates that a period value is not recognized.
var ErrInvalidPeriod = errors.New("activity: invalid period")

// ParsePeriod validates a raw period value; empty input means PeriodAll.
func ParsePeriod(value string) (Period, error) {
	switch Period(strings.ToLower(strings.TrimSpace(value))) {
	case "", PeriodAll:
		return PeriodAll, nil
	case PeriodToday:
		return PeriodToday, nil
	case PeriodWeek:
		return PeriodWeek, nil
	case PeriodMonth:
		return PeriodMonth, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, value)
	}
}

// Since returns the inclusive lower bound of the window, or the zero time for PeriodAll.
// Today starts at midnight in now's location; week and month are trailing 7 and 30 days.
func (p Period) Since(now time.Time) time.Time {
	switch p {
	case PeriodToday:
		year, month, day := now.Date()
		return time.Date(year, month, day, 0, 0, 0, 0, now.Location())
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return now.AddDate(0, 0, -30)
	default:
		return time.Time{}
	}
}

// Filters are AND-combined restrictions on a history view.
type Filters struct {
	Search   string
	Period   Period
	Category string
}

// FilterPatch carries a partial filter update; nil fields keep their current value.
type FilterPatch struct {
	Search   *string
	Period   *Period
	Category *string
}

// Apply returns the filters with the patch applied.
func (f Filters) Apply(patch FilterPatch) Filters {
	next := f
	if patch.Search != nil {
		next.Search = strings.TrimSpace(*patch.Search)
	}
	if patch.Period != nil {
		next.Period = *patch.Period
	}
	if patch.Category != nil {
		next.Category = strings.TrimSpace(*patch.Category)
	}
	return next
}

// IsZero reports whether no filter restricts the view.
func (f Filters) IsZero() bool {
	return strings.TrimSpace(f.Search) == "" && (f.Period == "" || f.Period == PeriodAll) && strings.TrimSpace(f.Category) == ""
}

// Page is one slice of a filtered view.
type Page struct {
	Items      []Record
	Number     int
	Size       int
	PageCount  int
	TotalItems int
}

// Filter returns the records matching every filter, preserving order.
func Filter(records []Record, filters Filters, now time.Time) []Record {
	query := strings.TrimSpace(filters.Search)
	category := strings.TrimSpace(filters.Category)
	since := filters.Period.Since(now)

	var matcher *search.Matcher
	if query != "" {
		matcher = search.New(language.Und, search.IgnoreCase, search.IgnoreDiacritics)
	}

	out := make([]Record, 0, len(records))
	for _, record := range records {
		if !since.IsZero() && record.OccurredAt.Before(since) {
			continue
		}
		if category != "" && !strings.EqualFold(record.Category, category) {
			continue
		}
		if matcher != nil && !containsText(matcher, record.DisplayName, query) && !containsText(matcher, record.ShortDescription, query) {
			continue
		}
		out = append(out, record)
	}
	return out
}

func containsText(matcher *search.Matcher, text, query string) bool {
	if text == "" {
		return false
	}
	start, _ := matcher.IndexString(text, query)
	return start >= 0
}

// Paginate slices records into 1-based pages. Out-of-range page numbers clamp to the first
// or last page; an empty input yields a single empty page.
func Paginate(records []Record, pageNumber, pageSize int) Page {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pageCount := PageCount(len(records), pageSize)
	pageNumber = ClampPage(pageNumber, pageCount)

	start := (pageNumber - 1) * pageSize
	end := start + pageSize
	if end > len(records) {
		end = len(records)
	}
	items := make([]Record, 0, end-start)
	for _, record := range records[start:end] {
		items = append(items, record.Clone())
	}
	return Page{
		Items:      items,
		Number:     pageNumber,
		Size:       pageSize,
		PageCount:  pageCount,
		TotalItems: len(records),
	}
}

// Project filters and paginates an already reconciled view without touching the network.
func Project(records []Record, filters Filters, pageNumber, pageSize int, now time.Time) Page {
	return Paginate(Filter(records, filters, now), pageNumber, pageSize)
}

// PageCount returns the number of pages needed for total items; never less than one.
func PageCount(total, pageSize int) int {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if total <= 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}

// ClampPage bounds a requested page to [1, pageCount].
func ClampPage(pageNumber, pageCount int) int {
	if pageCount < 1 {
		pageCount = 1
	}
	if pageNumber < 1 {
		return 1
	}
	if pageNumber > pageCount {
		return pageCount
	}
	return pageNumber
}
