package activity

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

func catalogFixture() []Record {
	now := baseTime
	return []Record{
		{SubjectID: "m1", DisplayName: "Better Maps", ShortDescription: "Bigger worlds", Category: "maps", OccurredAt: now.Add(-time.Hour)},
		{SubjectID: "m2", DisplayName: "Crafting Plus", ShortDescription: "More recipes", Category: "gameplay", OccurredAt: now.Add(-26 * time.Hour)},
		{SubjectID: "m3", DisplayName: "Café Textures", ShortDescription: "HD texture pack", Category: "Textures", OccurredAt: now.Add(-3 * 24 * time.Hour)},
		{SubjectID: "m4", DisplayName: "Old Guns", ShortDescription: "Classic weapons", Category: "weapons", OccurredAt: now.Add(-20 * 24 * time.Hour)},
		{SubjectID: "m5", DisplayName: "Ancient Maps", ShortDescription: "", Category: "maps", OccurredAt: now.Add(-60 * 24 * time.Hour)},
	}
}

func TestFilterCombinesDimensions(t *testing.T) {
	records := catalogFixture()
	tests := []struct {
		name     string
		filters  Filters
		expected []string
	}{
		{name: "no-filters", filters: Filters{}, expected: []string{"m1", "m2", "m3", "m4", "m5"}},
		{name: "search-name", filters: Filters{Search: "maps"}, expected: []string{"m1", "m5"}},
		{name: "search-description-case", filters: Filters{Search: "RECIPES"}, expected: []string{"m2"}},
		{name: "search-diacritics", filters: Filters{Search: "cafe"}, expected: []string{"m3"}},
		{name: "period-today", filters: Filters{Period: PeriodToday}, expected: []string{"m1"}},
		{name: "period-week", filters: Filters{Period: PeriodWeek}, expected: []string{"m1", "m2", "m3"}},
		{name: "period-month", filters: Filters{Period: PeriodMonth}, expected: []string{"m1", "m2", "m3", "m4"}},
		{name: "category-case-insensitive", filters: Filters{Category: "textures"}, expected: []string{"m3"}},
		{name: "and-combined", filters: Filters{Search: "maps", Period: PeriodMonth, Category: "maps"}, expected: []string{"m1"}},
		{name: "no-match", filters: Filters{Search: "zzz"}, expected: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := subjectIDs(Filter(records, tt.filters, baseTime))
			if !reflect.DeepEqual(got, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestPaginateCoversFilteredSetExactlyOnce(t *testing.T) {
	records := make([]Record, 0, 23)
	for index := 0; index < 23; index++ {
		records = append(records, record(fmt.Sprintf("s-%02d", index), -index, "x"))
	}
	for _, size := range []int{1, 5, 7, 10, 23, 50} {
		first := Paginate(records, 1, size)
		var collected []string
		for number := 1; number <= first.PageCount; number++ {
			page := Paginate(records, number, size)
			if page.Number != number {
				t.Fatalf("size %d: expected page %d, got %d", size, number, page.Number)
			}
			collected = append(collected, subjectIDs(page.Items)...)
		}
		if !reflect.DeepEqual(collected, subjectIDs(records)) {
			t.Fatalf("size %d: pages do not reproduce the set: %v", size, collected)
		}
	}
}

func TestPaginateClampsOutOfRangePages(t *testing.T) {
	records := catalogFixture()

	page := Paginate(records, 99, 2)
	if page.Number != 3 || page.PageCount != 3 {
		t.Fatalf("expected clamp to last page 3, got %d of %d", page.Number, page.PageCount)
	}
	if got := subjectIDs(page.Items); !reflect.DeepEqual(got, []string{"m5"}) {
		t.Fatalf("unexpected last page items %v", got)
	}

	page = Paginate(records, 0, 2)
	if page.Number != 1 {
		t.Fatalf("expected clamp to first page, got %d", page.Number)
	}

	page = Paginate(nil, 4, 0)
	if page.Number != 1 || page.PageCount != 1 || len(page.Items) != 0 || page.Size != DefaultPageSize {
		t.Fatalf("unexpected empty page %+v", page)
	}
}

func TestProjectFiltersThenPaginates(t *testing.T) {
	page := Project(catalogFixture(), Filters{Period: PeriodMonth}, 2, 3, baseTime)
	if page.TotalItems != 4 || page.PageCount != 2 {
		t.Fatalf("unexpected totals %+v", page)
	}
	if got := subjectIDs(page.Items); !reflect.DeepEqual(got, []string{"m4"}) {
		t.Fatalf("unexpected page items %v", got)
	}
}

func TestFiltersApplyPatch(t *testing.T) {
	search := "  maps "
	period := PeriodWeek
	current := Filters{Search: "old", Period: PeriodAll, Category: "weapons"}

	next := current.Apply(FilterPatch{Search: &search, Period: &period})
	if next.Search != "maps" || next.Period != PeriodWeek || next.Category != "weapons" {
		t.Fatalf("unexpected patched filters %+v", next)
	}
	if current.Search != "old" {
		t.Fatalf("apply must not mutate the receiver")
	}
}

func TestParsePeriod(t *testing.T) {
	if period, err := ParsePeriod(""); err != nil || period != PeriodAll {
		t.Fatalf("expected empty to mean all, got %q %v", period, err)
	}
	if period, err := ParsePeriod("Week"); err != nil || period != PeriodWeek {
		t.Fatalf("expected week, got %q %v", period, err)
	}
	if _, err := ParsePeriod("year"); err == nil {
		t.Fatalf("expected error for unknown period")
	}
}
