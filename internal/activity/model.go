package activity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the interactions that produce history entries.
type Kind string

const (
	// KindDownload marks a registered download.
	KindDownload Kind = "download"
	// KindFavorite marks a favorite toggle.
	KindFavorite Kind = "favorite"
)

// Origin tags where a record came from during reconciliation.
type Origin string

const (
	// OriginLocal marks records read from the device cache.
	OriginLocal Origin = "local"
	// OriginRemote marks records returned by the authoritative backend.
	OriginRemote Origin = "remote"
)

// Cap bounds the local log and every reconciled view.
const Cap = 20

const maxIdentifierLength = 190

var (
	// ErrInvalidSubjectID indicates that a subject identifier is empty or exceeds storage bounds.
	ErrInvalidSubjectID = errors.New("activity: invalid subject id")
	// ErrInvalidKind indicates that an activity kind is not recognized.
	ErrInvalidKind = errors.New("activity: invalid kind")
)

// SubjectID represents a validated content item identifier.
type SubjectID string

// NewSubjectID validates raw input and returns a SubjectID.
func NewSubjectID(rawInput string) (SubjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSubjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSubjectID, maxIdentifierLength)
	}
	return SubjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SubjectID) String() string {
	return string(id)
}

// ParseKind validates a raw kind value.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindDownload:
		return KindDownload, nil
	case KindFavorite:
		return KindFavorite, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, value)
	}
}

// Record is one user interaction with a content item as shown in history views.
type Record struct {
	SubjectID        SubjectID `json:"subject_id"`
	Kind             Kind      `json:"kind"`
	DisplayName      string    `json:"display_name,omitempty"`
	ThumbnailRef     string    `json:"thumbnail_ref,omitempty"`
	VersionTag       string    `json:"version_tag,omitempty"`
	ShortDescription string    `json:"short_description,omitempty"`
	Category         string    `json:"category,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
	Origin           Origin    `json:"-"`
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (r Record) Clone() Record {
	copied := r
	if r.Tags != nil {
		copied.Tags = append([]string(nil), r.Tags...)
	}
	return copied
}

// CloneAll copies a slice of records.
func CloneAll(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for index, record := range records {
		out[index] = record.Clone()
	}
	return out
}
