package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// httpError is the JSON error body returned by every handler.
type httpError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"error"`
	Detail     string `json:"detail,omitempty"`
}

var (
	errContentMissing = httpError{StatusCode: http.StatusBadRequest, Message: "Content Missing"}
	errNotFound       = httpError{StatusCode: http.StatusNotFound, Message: "Not Found"}
	errGatewayTimeout = httpError{StatusCode: http.StatusGatewayTimeout, Message: "Gateway Timeout"}
	errInternal       = httpError{StatusCode: http.StatusInternalServerError, Message: "Internal Server Error"}
	errUnavailable    = httpError{StatusCode: http.StatusServiceUnavailable, Message: "Service Unavailable"}
)

func (e httpError) withDetail(detail string) httpError {
	e.Detail = detail
	return e
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Int("status", status), zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, e httpError) {
	writeJSON(logger, w, e.StatusCode, e)
}
