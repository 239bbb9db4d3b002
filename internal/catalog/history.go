package catalog

import (
	"context"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"go.uber.org/zap"
)

// HistoryQuery selects one page of a user's filtered history.
type HistoryQuery struct {
	UserID   UserID
	Page     int
	PageSize int
	Filters  activity.Filters
}

// HistoryPage is one page of history plus the size of the filtered set.
type HistoryPage struct {
	Records  []activity.Record
	Page     int
	PageSize int
	Total    int
}

type interactionRow struct {
	ModID        string `gorm:"column:mod_id"`
	OccurredAtMs int64  `gorm:"column:occurred_at_ms"`
}

// ListHistory returns the user's interactions, one entry per mod at its latest interaction.
func (s *Service) ListHistory(ctx context.Context, query HistoryQuery) (HistoryPage, error) {
	records, err := s.loadHistory(ctx, opListHistory, query.UserID)
	if err != nil {
		return HistoryPage{}, err
	}
	filtered := activity.Filter(records, query.Filters, s.clock())
	page := activity.Paginate(filtered, query.Page, query.PageSize)
	return HistoryPage{
		Records:  page.Items,
		Page:     page.Number,
		PageSize: page.Size,
		Total:    page.TotalItems,
	}, nil
}

// CountHistory returns the number of distinct mods in the user's history.
func (s *Service) CountHistory(ctx context.Context, userID UserID) (int, error) {
	latest, err := s.latestInteractions(ctx, opCountHistory, userID)
	if err != nil {
		return 0, err
	}
	return len(latest), nil
}

func (s *Service) loadHistory(ctx context.Context, operation string, userID UserID) ([]activity.Record, error) {
	latest, err := s.latestInteractions(ctx, operation, userID)
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, nil
	}

	modIDs := make([]string, 0, len(latest))
	for modID := range latest {
		modIDs = append(modIDs, modID)
	}
	var mods []Mod
	if err := s.db.WithContext(ctx).Where("mod_id IN ?", modIDs).Find(&mods).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, userField(userID))
		return nil, newServiceError(operation, reasonQueryFailed, err)
	}

	records := make([]activity.Record, 0, len(mods))
	for _, mod := range mods {
		entry := latest[mod.ModID]
		records = append(records, activity.Record{
			SubjectID:        activity.SubjectID(mod.ModID),
			Kind:             entry.kind,
			DisplayName:      mod.Name,
			ThumbnailRef:     mod.ThumbnailURL,
			VersionTag:       mod.Version,
			ShortDescription: mod.Description,
			Category:         mod.Category,
			Tags:             decodeTags(mod.TagsJSON),
			OccurredAt:       time.UnixMilli(entry.occurredAtMs).UTC(),
		})
	}
	sortRecords(records)
	return records, nil
}

type latestInteraction struct {
	kind         activity.Kind
	occurredAtMs int64
}

func (s *Service) latestInteractions(ctx context.Context, operation string, userID UserID) (map[string]latestInteraction, error) {
	db := s.db.WithContext(ctx)

	var downloads []interactionRow
	if err := db.Model(&Download{}).
		Select("mod_id, MAX(created_at_ms) AS occurred_at_ms").
		Where(queryUserID, userID.String()).
		Group("mod_id").
		Scan(&downloads).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, userField(userID))
		return nil, newServiceError(operation, reasonQueryFailed, err)
	}

	var favorites []interactionRow
	if err := db.Model(&Favorite{}).
		Select("mod_id, created_at_ms AS occurred_at_ms").
		Where(queryUserID, userID.String()).
		Scan(&favorites).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, userField(userID))
		return nil, newServiceError(operation, reasonQueryFailed, err)
	}

	latest := make(map[string]latestInteraction, len(downloads)+len(favorites))
	for _, row := range downloads {
		latest[row.ModID] = latestInteraction{kind: activity.KindDownload, occurredAtMs: row.OccurredAtMs}
	}
	for _, row := range favorites {
		existing, ok := latest[row.ModID]
		if ok && existing.occurredAtMs >= row.OccurredAtMs {
			continue
		}
		latest[row.ModID] = latestInteraction{kind: activity.KindFavorite, occurredAtMs: row.OccurredAtMs}
	}
	s.loggerOrDefault().Debug("history interactions loaded",
		zap.String("operation", operation),
		userField(userID),
		zap.Int("subjects", len(latest)))
	return latest, nil
}

// sortRecords orders newest first with the subject id as a stable tie-break, so pages
// stay consistent across requests.
func sortRecords(records []activity.Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].SubjectID < records[j].SubjectID
	})
	activity.SortNewestFirst(records)
}
