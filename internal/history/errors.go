package history

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"github.com/MarcoPoloResearchLab/modhub/internal/backend"
)

var (
	// ErrMutationPending rejects a second mutation on a subject while the first is in flight.
	ErrMutationPending = errors.New("history: mutation already pending for subject")

	errMissingAuthority = errors.New("history: authority is required")
	errMissingStore     = errors.New("history: local store is required")
)

const (
	operationToggleFavorite   = "toggle_favorite"
	operationRegisterDownload = "register_download"
)

// MutationError reports a mutation that did not commit. RolledBack is true when an
// optimistic update was applied and then reverted.
type MutationError struct {
	Operation  string
	SubjectID  activity.SubjectID
	RolledBack bool
	Err        error
}

func (e *MutationError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("history: %s %s rolled back: %v", e.Operation, e.SubjectID, e.Err)
	}
	return fmt.Sprintf("history: %s %s rejected: %v", e.Operation, e.SubjectID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// UserMessage is the text a presentation layer shows for the failure.
func (e *MutationError) UserMessage() string {
	var rejected *backend.RejectedError
	switch {
	case errors.Is(e.Err, backend.ErrAuthRequired):
		return "Log in required"
	case errors.Is(e.Err, ErrMutationPending):
		return "Please wait for the previous action to finish"
	case errors.As(e.Err, &rejected) && rejected.UserMessage() != "":
		return rejected.UserMessage()
	default:
		return "The server could not be reached, please try again"
	}
}
