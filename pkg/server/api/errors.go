package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/storage"
	"github.com/voxlane/voxlane/pkg/transcribe"
)

// Note on API Error DTOs
//
// The JSON error payloads produced here (error, code, message) are part of
// the public API contract. Evolve them additively only: add optional
// fields, never remove or rename existing ones; breaking changes go under
// a new API version.

// ErrorResponse represents a standard JSON error response.
// Used consistently across all API endpoints for error responses.
//
// Example:
//
//	{
//	  "error": "Not Found",
//	  "code": "JOB_NOT_FOUND",
//	  "message": "job not found: 2f1c..."
//	}
type ErrorResponse struct {
	Error   string `json:"error"`             // Short error type (e.g., "Not Found", "Internal Server Error")
	Code    string `json:"code,omitempty"`    // Machine-readable error code (e.g., "JOB_NOT_FOUND", "INVALID_INPUT")
	Message string `json:"message,omitempty"` // Detailed error message (optional)
}

// WriteError writes a standard JSON error response to the client.
// It automatically determines the HTTP status code based on error type:
//   - jobs.NotFoundError → 404 Not Found
//   - jobs.ConflictError → 409 Conflict
//   - jobs.InvalidInputError → 400 Bad Request
//   - storage.NotFoundError / storage.InvalidInputError → 404 / 400
//   - stopped orchestrator or closed pool/backend → 503 Service Unavailable
//   - all other errors → 500 Internal Server Error
//
// It also logs the error with structured logging for observability, and
// returns the status code written so handlers can record it.
func WriteError(w http.ResponseWriter, r *http.Request, err error) int {
	var statusCode int
	var errorCode string

	var jobNotFound *jobs.NotFoundError
	var jobConflict *jobs.ConflictError
	var jobInvalid *jobs.InvalidInputError
	var storeNotFound *storage.NotFoundError
	var storeInvalid *storage.InvalidInputError

	switch {
	case errors.As(err, &jobNotFound):
		statusCode = http.StatusNotFound
		errorCode = "JOB_NOT_FOUND"
	case errors.As(err, &jobConflict):
		statusCode = http.StatusConflict
		errorCode = "JOB_CONFLICT"
	case errors.As(err, &jobInvalid):
		statusCode = http.StatusBadRequest
		errorCode = "INVALID_INPUT"
	case errors.As(err, &storeNotFound):
		statusCode = http.StatusNotFound
		errorCode = "RESOURCE_NOT_FOUND"
	case errors.As(err, &storeInvalid):
		statusCode = http.StatusBadRequest
		errorCode = "INVALID_INPUT"
	case errors.Is(err, transcribe.ErrNotRunning):
		statusCode = http.StatusServiceUnavailable
		errorCode = "SERVICE_STOPPED"
	case errors.Is(err, enginepool.ErrPoolClosed):
		statusCode = http.StatusServiceUnavailable
		errorCode = "ENGINE_POOL_CLOSED"
	case errors.Is(err, storage.ErrClosed):
		statusCode = http.StatusServiceUnavailable
		errorCode = "STORAGE_CLOSED"
	default:
		statusCode = http.StatusInternalServerError
		errorCode = "INTERNAL_ERROR"
	}

	errorType := httpStatusText(statusCode)
	message := err.Error()

	// Log the error with context
	logEvent := log.Error().
		Str("component", "api").
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", statusCode).
		Str("error_code", errorCode).
		Err(err)

	if statusCode == http.StatusNotFound {
		logEvent.Msg("Resource not found")
	} else if statusCode >= 500 {
		logEvent.Msg("Internal server error")
	} else if statusCode >= 400 {
		logEvent.Msg("Client error")
	} else {
		logEvent.Msg("Request failed")
	}

	// Write error response
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error:   errorType,
		Code:    errorCode,
		Message: message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().
			Str("component", "api").
			Err(err).
			Msg("Failed to encode error response")
	}
	return statusCode
}

// httpStatusText returns human-readable text for HTTP status codes
func httpStatusText(statusCode int) string {
	switch statusCode {
	case http.StatusOK:
		return "OK"
	case http.StatusBadRequest:
		return "Bad Request"
	case http.StatusNotFound:
		return "Not Found"
	case http.StatusConflict:
		return "Conflict"
	case http.StatusInternalServerError:
		return "Internal Server Error"
	case http.StatusServiceUnavailable:
		return "Service Unavailable"
	default:
		return http.StatusText(statusCode)
	}
}

// WriteJSONError writes a custom JSON error response with a specific status code.
// Use this when you need fine-grained control over the error response.
//
// Example:
//
//	WriteJSONError(w, http.StatusBadRequest, "Bad Request", "JOB_ID_REQUIRED", "job id is required")
func WriteJSONError(w http.ResponseWriter, statusCode int, errorType, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error:   errorType,
		Code:    errorCode,
		Message: message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().
			Str("component", "api").
			Err(err).
			Msg("Failed to encode error response")
	}
}

// WriteJSON writes a JSON response to the client.
// Use this for successful API responses.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().
			Str("component", "api").
			Err(err).
			Msg("Failed to encode JSON response")
	}
}
