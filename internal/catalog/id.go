package catalog

import "github.com/google/uuid"

// IDProvider issues identifiers for download log rows.
type IDProvider interface {
	NewID() (string, error)
}

// UUIDv7 issues time-ordered identifiers so download rows sort by insertion.
type UUIDv7 struct{}

// NewID returns a new UUIDv7 string.
func (UUIDv7) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
