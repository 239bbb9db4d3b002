package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "catalog.service.new"
	opToggleFavorite    = "catalog.toggle_favorite"
	opRegisterDownload  = "catalog.register_download"
	opListHistory       = "catalog.list_history"
	opCountHistory      = "catalog.count_history"
	opGetMod            = "catalog.get_mod"
	opUpsertMods        = "catalog.upsert_mods"
	fieldUserID         = "user_id"
	fieldModID          = "mod_id"
	queryModID          = "mod_id = ?"
	queryUserMod        = "user_id = ? AND mod_id = ?"
	queryUserID         = "user_id = ?"
	reasonMissingDB     = "missing_database"
	reasonUnknownMod    = "unknown_mod"
	reasonModLookup     = "mod_lookup_failed"
	reasonFavoriteRead  = "favorite_lookup_failed"
	reasonFavoriteWrite = "favorite_write_failed"
	reasonCounterWrite  = "counter_write_failed"
	reasonIDGeneration  = "id_generation_failed"
	reasonDownloadWrite = "download_insert_failed"
	reasonQueryFailed   = "query_failed"
	reasonInvalidMod    = "invalid_mod"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the authoritative store for mods, favorites, and the download log.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ToggleFavorite flips the user's favorite on a mod and returns the stored post-state.
func (s *Service) ToggleFavorite(ctx context.Context, userID UserID, modID activity.SubjectID) (FavoriteResult, error) {
	var result FavoriteResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.findMod(tx, opToggleFavorite, userID, modID); err != nil {
			return err
		}

		var existing Favorite
		err := tx.Where(queryUserMod, userID.String(), modID.String()).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			favorite := Favorite{
				UserID:          userID.String(),
				ModID:           modID.String(),
				CreatedAtMillis: s.clock().UTC().UnixMilli(),
			}
			if err := tx.Create(&favorite).Error; err != nil {
				s.logError(opToggleFavorite, reasonFavoriteWrite, err, userField(userID), modField(modID))
				return newServiceError(opToggleFavorite, reasonFavoriteWrite, err)
			}
			if err := tx.Model(&Mod{}).Where(queryModID, modID.String()).
				UpdateColumn("favorite_count", gorm.Expr("favorite_count + 1")).Error; err != nil {
				s.logError(opToggleFavorite, reasonCounterWrite, err, userField(userID), modField(modID))
				return newServiceError(opToggleFavorite, reasonCounterWrite, err)
			}
			result.IsFavorite = true
		case err != nil:
			s.logError(opToggleFavorite, reasonFavoriteRead, err, userField(userID), modField(modID))
			return newServiceError(opToggleFavorite, reasonFavoriteRead, err)
		default:
			if err := tx.Where(queryUserMod, userID.String(), modID.String()).Delete(&Favorite{}).Error; err != nil {
				s.logError(opToggleFavorite, reasonFavoriteWrite, err, userField(userID), modField(modID))
				return newServiceError(opToggleFavorite, reasonFavoriteWrite, err)
			}
			if err := tx.Model(&Mod{}).Where(queryModID, modID.String()).
				UpdateColumn("favorite_count", gorm.Expr("CASE WHEN favorite_count > 0 THEN favorite_count - 1 ELSE 0 END")).Error; err != nil {
				s.logError(opToggleFavorite, reasonCounterWrite, err, userField(userID), modField(modID))
				return newServiceError(opToggleFavorite, reasonCounterWrite, err)
			}
			result.IsFavorite = false
		}

		var stored Mod
		if err := tx.Select("favorite_count").Where(queryModID, modID.String()).Take(&stored).Error; err != nil {
			s.logError(opToggleFavorite, reasonModLookup, err, userField(userID), modField(modID))
			return newServiceError(opToggleFavorite, reasonModLookup, err)
		}
		result.FavoriteCount = stored.FavoriteCount
		return nil
	})
	if txErr != nil {
		return FavoriteResult{}, txErr
	}
	return result, nil
}

// RegisterDownload appends to the download log and returns where the asset can be fetched.
func (s *Service) RegisterDownload(ctx context.Context, userID UserID, modID activity.SubjectID) (DownloadResult, error) {
	var result DownloadResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mod, err := s.findMod(tx, opRegisterDownload, userID, modID)
		if err != nil {
			return err
		}

		downloadID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opRegisterDownload, reasonIDGeneration, err, userField(userID), modField(modID))
			return newServiceError(opRegisterDownload, reasonIDGeneration, err)
		}
		download := Download{
			DownloadID:      downloadID,
			UserID:          userID.String(),
			ModID:           modID.String(),
			CreatedAtMillis: s.clock().UTC().UnixMilli(),
		}
		if err := tx.Create(&download).Error; err != nil {
			s.logError(opRegisterDownload, reasonDownloadWrite, err, userField(userID), modField(modID))
			return newServiceError(opRegisterDownload, reasonDownloadWrite, err)
		}
		if err := tx.Model(&Mod{}).Where(queryModID, modID.String()).
			UpdateColumn("download_count", gorm.Expr("download_count + 1")).Error; err != nil {
			s.logError(opRegisterDownload, reasonCounterWrite, err, userField(userID), modField(modID))
			return newServiceError(opRegisterDownload, reasonCounterWrite, err)
		}

		result.DownloadCount = mod.DownloadCount + 1
		result.AssetLocation = mod.AssetURL
		return nil
	})
	if txErr != nil {
		return DownloadResult{}, txErr
	}
	return result, nil
}

// GetMod returns a mod with the caller's favorite flag.
func (s *Service) GetMod(ctx context.Context, userID UserID, modID activity.SubjectID) (ModDetail, error) {
	db := s.db.WithContext(ctx)
	mod, err := s.findMod(db, opGetMod, userID, modID)
	if err != nil {
		return ModDetail{}, err
	}

	var count int64
	if err := db.Model(&Favorite{}).Where(queryUserMod, userID.String(), modID.String()).Count(&count).Error; err != nil {
		s.logError(opGetMod, reasonFavoriteRead, err, userField(userID), modField(modID))
		return ModDetail{}, newServiceError(opGetMod, reasonFavoriteRead, err)
	}
	return ModDetail{Mod: mod, Tags: decodeTags(mod.TagsJSON), IsFavorite: count > 0}, nil
}

// UpsertMods inserts or refreshes listing metadata, leaving engagement counters untouched.
func (s *Service) UpsertMods(ctx context.Context, mods []Mod) error {
	for index := range mods {
		mods[index].ModID = strings.TrimSpace(mods[index].ModID)
		if mods[index].ModID == "" || strings.TrimSpace(mods[index].AssetURL) == "" {
			err := fmt.Errorf("%w: entry %d requires mod id and asset url", ErrInvalidMod, index)
			s.logError(opUpsertMods, reasonInvalidMod, err)
			return newServiceError(opUpsertMods, reasonInvalidMod, err)
		}
		if mods[index].TagsJSON == "" {
			mods[index].TagsJSON = "[]"
		}
		if mods[index].CreatedAtSeconds == 0 {
			mods[index].CreatedAtSeconds = s.clock().UTC().Unix()
		}
	}
	if len(mods) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mod_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "thumbnail_url", "version", "description", "category", "tags_json", "asset_url"}),
	}).Create(&mods).Error
	if err != nil {
		s.logError(opUpsertMods, reasonQueryFailed, err)
		return newServiceError(opUpsertMods, reasonQueryFailed, err)
	}
	return nil
}

func (s *Service) findMod(query *gorm.DB, operation string, userID UserID, modID activity.SubjectID) (Mod, error) {
	var mod Mod
	err := query.Where(queryModID, modID.String()).Take(&mod).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Mod{}, newServiceError(operation, reasonUnknownMod, fmt.Errorf("%w: %s", ErrUnknownMod, modID))
	}
	if err != nil {
		s.logError(operation, reasonModLookup, err, userField(userID), modField(modID))
		return Mod{}, newServiceError(operation, reasonModLookup, err)
	}
	return mod, nil
}

func decodeTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

// EncodeTags renders tags for the tags_json column.
func EncodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

func userField(userID UserID) zap.Field {
	return zap.String(fieldUserID, userID.String())
}

func modField(modID activity.SubjectID) zap.Field {
	return zap.String(fieldModID, modID.String())
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("catalog service error", attrs...)
}
