package catalog

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("catalog: invalid user id")
	// ErrUnknownMod indicates that the referenced mod does not exist.
	ErrUnknownMod = errors.New("catalog: unknown mod")
	// ErrInvalidMod indicates that an imported mod is missing required fields.
	ErrInvalidMod = errors.New("catalog: invalid mod")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Mod is a listed content item with denormalized engagement counters.
type Mod struct {
	ModID            string `gorm:"column:mod_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:320;not null"`
	ThumbnailURL     string `gorm:"column:thumbnail_url;size:512;not null;default:''"`
	Version          string `gorm:"column:version;size:64;not null;default:''"`
	Description      string `gorm:"column:description;type:text;not null;default:''"`
	Category         string `gorm:"column:category;size:64;not null;default:'';index"`
	TagsJSON         string `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	AssetURL         string `gorm:"column:asset_url;size:1024;not null"`
	FavoriteCount    int64  `gorm:"column:favorite_count;not null;default:0"`
	DownloadCount    int64  `gorm:"column:download_count;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Mod) TableName() string {
	return "mods"
}

// Favorite links a user to a mod they marked.
type Favorite struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ModID           string `gorm:"column:mod_id;primaryKey;size:190;not null;index"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Favorite) TableName() string {
	return "favorites"
}

// Download is an append-only log of registered downloads.
type Download struct {
	DownloadID      string `gorm:"column:download_id;primaryKey;size:64;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_downloads_user_time,priority:1"`
	ModID           string `gorm:"column:mod_id;size:190;not null;index"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_downloads_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Download) TableName() string {
	return "downloads"
}

// FavoriteResult is the authoritative post-toggle state.
type FavoriteResult struct {
	IsFavorite    bool
	FavoriteCount int64
}

// DownloadResult is the authoritative post-registration state.
type DownloadResult struct {
	DownloadCount int64
	AssetLocation string
}

// ModDetail is a mod as seen by one user.
type ModDetail struct {
	Mod        Mod
	Tags       []string
	IsFavorite bool
}
