package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"inferd/internal/orchestrator"
	"inferd/internal/registry"
	"inferd/internal/supervisor"
	"inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case registry.IsModelNotFound(err), errors.Is(err, registry.ErrNoModels):
		return http.StatusNotFound
	case orchestrator.IsBusy(err):
		return http.StatusTooManyRequests
	case supervisor.IsDependencyUnavailable(err), errors.Is(err, orchestrator.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrInvalidJob):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeServiceError writes err with its mapped status, counting 429s as backpressure.
func writeServiceError(w http.ResponseWriter, err error, reason string) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(reason)
	}
	writeJSONError(w, status, err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Error().Err(err).Str("event", "encode_failed").Msg("failed to encode response")
	}
}
