package v1

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/storage"
)

// Listing limits. The registry and the history store both live on one
// node, so the caps are generous.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// maxWaitSeconds caps a wait-mode transcription request at one day.
const maxWaitSeconds = 86400

// ValidateJobID checks a job id taken from a path segment. IDs are used
// as file names by the upload and history layers, so path metacharacters
// are rejected outright.
func ValidateJobID(id string) error {
	if id == "" {
		return errors.New("job id is required")
	}
	if len(id) > 128 {
		return errors.New("job id exceeds 128 characters")
	}
	if id != filepath.Base(id) || id == "." || id == ".." {
		return errors.New("job id must not contain path separators")
	}
	return nil
}

// ListJobsQuery is the parsed query of GET /api/v1/jobs.
type ListJobsQuery struct {
	// Status filters to one lifecycle state; empty means all.
	Status jobs.Status
}

// ParseListJobsQuery validates the optional status filter.
func ParseListJobsQuery(r *http.Request) (ListJobsQuery, error) {
	var q ListJobsQuery
	if s := r.URL.Query().Get("status"); s != "" {
		status := jobs.Status(strings.ToLower(s))
		if !status.IsValid() {
			return q, fmt.Errorf("unknown status %q", s)
		}
		q.Status = status
	}
	return q, nil
}

// ParseHistoryQuery maps the query string of GET /api/v1/history onto a
// storage filter. Limit defaults to 50 and is capped at 500.
func ParseHistoryQuery(r *http.Request) (storage.HistoryFilter, error) {
	filter := storage.HistoryFilter{
		Status:   r.URL.Query().Get("status"),
		Name:     r.URL.Query().Get("name"),
		Language: r.URL.Query().Get("language"),
		Limit:    defaultHistoryLimit,
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxHistoryLimit {
			return filter, fmt.Errorf("limit must be an integer between 1 and %d", maxHistoryLimit)
		}
		filter.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}

// ParseSubmitRequest validates the body of POST /api/v1/transcriptions.
func ParseSubmitRequest(req SubmitTranscriptionsRequest) error {
	if len(req.JobIDs) == 0 {
		return errors.New("job_ids is required")
	}
	for _, id := range req.JobIDs {
		if err := ValidateJobID(id); err != nil {
			return err
		}
	}
	if req.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must not be negative")
	}
	if req.TimeoutSeconds > maxWaitSeconds {
		return fmt.Errorf("timeout_seconds exceeds the maximum of %d", maxWaitSeconds)
	}
	return nil
}
