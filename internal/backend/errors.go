package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired reports a missing or rejected bearer credential.
	ErrAuthRequired = errors.New("backend: authentication required")
	// ErrTransport reports that the backend could not be reached or failed to answer.
	ErrTransport = errors.New("backend: transport failure")
	// ErrRejected reports that the backend refused a request.
	ErrRejected = errors.New("backend: request rejected")
)

// TransportError wraps network failures, timeouts, throttling, and server errors.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend transport: http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// RejectedError carries the backend's error code and message for a 4xx response.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// UserMessage returns the backend-provided message, or the error code when none was sent.
func (e *RejectedError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}
