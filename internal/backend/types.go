package backend

import "github.com/MarcoPoloResearchLab/modhub/internal/activity"

// HistoryQuery selects one page of server-side history.
type HistoryQuery struct {
	Page     int
	PageSize int
	Filters  activity.Filters
}

// HistoryPage is the wire shape of GET /v1/history.
type HistoryPage struct {
	Records  []activity.Record `json:"records"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Total    int               `json:"total"`
}

// CountResponse is the wire shape of GET /v1/history/count.
type CountResponse struct {
	Total int64 `json:"total"`
}

// FavoriteResponse is the authoritative post-toggle favorite state.
type FavoriteResponse struct {
	IsFavorite    bool  `json:"is_favorite"`
	FavoriteCount int64 `json:"favorite_count"`
}

// DownloadResponse is the authoritative post-registration download state.
type DownloadResponse struct {
	DownloadCount int64  `json:"download_count"`
	AssetLocation string `json:"asset_location"`
}

// Subject is the wire shape of GET /v1/mods/{id}.
type Subject struct {
	SubjectID        activity.SubjectID `json:"mod_id"`
	DisplayName      string             `json:"name"`
	ThumbnailRef     string             `json:"thumbnail_url,omitempty"`
	VersionTag       string             `json:"version,omitempty"`
	ShortDescription string             `json:"description,omitempty"`
	Category         string             `json:"category,omitempty"`
	Tags             []string           `json:"tags"`
	IsFavorite       bool               `json:"is_favorite"`
	FavoriteCount    int64              `json:"favorite_count"`
	DownloadCount    int64              `json:"download_count"`
	AssetLocation    string             `json:"asset_location"`
}

// ErrorResponse is the JSON body the backend sends with non-success statuses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
