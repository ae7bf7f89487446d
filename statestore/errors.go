package statestore

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	ErrCodeRecordNotFound    = "RecordNotFound"
	ErrCodeContainerNotFound = "ContainerNotFound"
)

// Error body returned by the store on non-2xx responses.
type APIError struct {
	ErrCode string `json:"errcode"`
	Message string `json:"message"`
}

func (ae *APIError) Error() string {
	return fmt.Sprintf("%s: %s", ae.ErrCode, ae.Message)
}

// Error wraps a failed request against the store, preserving the HTTP status
// code and, when the body could be parsed, the store's error code.
type Error struct {
	StatusCode int
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("statestore error %d", e.StatusCode)
	}
	return fmt.Sprintf("statestore error %d: %s", e.StatusCode, e.Wrapped)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

func (e *Error) NotFound() bool {
	if e.StatusCode == http.StatusNotFound {
		return true
	}
	var ae *APIError
	if errors.As(e.Wrapped, &ae) {
		return ae.ErrCode == ErrCodeRecordNotFound || ae.ErrCode == ErrCodeContainerNotFound
	}
	return false
}

// IsNotFound reports whether err represents a missing record or container,
// which point lookups treat as a normal negative result.
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.NotFound()
}
