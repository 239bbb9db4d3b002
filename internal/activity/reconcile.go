package activity

import "sort"

// Reconcile merges the device log with the backend history into one ordered view.
//
// Local records are inserted first, so for any subject present in both inputs the local
// display fields win. Remote records only fill subjects the device has not seen. The result
// is ordered by OccurredAt descending, local before remote on equal timestamps, and holds at
// most Cap records. Reconcile(local, nil) keeps the local order.
func Reconcile(local, remote []Record) []Record {
	seen := make(map[SubjectID]struct{}, len(local)+len(remote))
	merged := make([]Record, 0, len(local)+len(remote))

	for _, record := range local {
		if _, ok := seen[record.SubjectID]; ok {
			continue
		}
		seen[record.SubjectID] = struct{}{}
		copied := record.Clone()
		copied.Origin = OriginLocal
		merged = append(merged, copied)
	}
	for _, record := range remote {
		if _, ok := seen[record.SubjectID]; ok {
			continue
		}
		seen[record.SubjectID] = struct{}{}
		copied := record.Clone()
		copied.Origin = OriginRemote
		merged = append(merged, copied)
	}

	SortNewestFirst(merged)
	if len(merged) > Cap {
		merged = merged[:Cap]
	}
	return merged
}

// SortNewestFirst orders records by OccurredAt descending. Ties keep local records ahead of
// remote ones and otherwise preserve input order.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		left, right := records[i], records[j]
		if !left.OccurredAt.Equal(right.OccurredAt) {
			return left.OccurredAt.After(right.OccurredAt)
		}
		return originRank(left.Origin) < originRank(right.Origin)
	})
}

func originRank(origin Origin) int {
	if origin == OriginLocal {
		return 0
	}
	return 1
}
