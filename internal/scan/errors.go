package scan

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies fetch failures.
type ErrorKind string

// Fetch failure kinds.
const (
	KindUnsupportedScheme ErrorKind = "unsupported_scheme"
	KindProbeFailed       ErrorKind = "probe_failed"
	KindUpstreamRejected  ErrorKind = "upstream_rejected"
	KindTooLarge          ErrorKind = "too_large"
	KindTransferFailed    ErrorKind = "transfer_failed"
)

// StatusCode maps a kind to the status code recorded on the request.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindProbeFailed:
		return http.StatusInternalServerError
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

// FetchError describes why a resource could not be fetched and stored.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Detail     string
	Err        error
}

// NewFetchError builds a FetchError with the kind's default status code.
func NewFetchError(kind ErrorKind, message string, err error) *FetchError {
	fe := &FetchError{
		Kind:       kind,
		StatusCode: kind.StatusCode(),
		Message:    message,
		Err:        err,
	}
	if err != nil {
		fe.Detail = err.Error()
	}
	return fe
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fatal processing-unit errors and polling outcomes.
var (
	ErrPollTimeout  = errors.New("gateway timeout")
	ErrScanDispatch = errors.New("scan dispatch failed")
	ErrQueueDelete  = errors.New("queue delete failed")
)

// RejectedError is returned by polling when the status store reports a failure.
type RejectedError struct {
	Record Record
}

func (e *RejectedError) Error() string {
	if e.Record.ErrorMessage != "" {
		return fmt.Sprintf("request rejected (%d): %s", e.Record.StatusCode, e.Record.ErrorMessage)
	}
	return fmt.Sprintf("request rejected (%d)", e.Record.StatusCode)
}
