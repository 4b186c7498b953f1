// Package jobs defines the transcription job record and the thread-safe
// registry that owns it.
//
// A Job is exclusively owned by the Registry. Every read returns a copy so
// callers can never mutate shared state outside the registry lock; every
// mutation goes through Registry methods and is atomic with respect to all
// other mutations.
package jobs

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

// Valid job statuses.
const (
	// StatusUploaded is the initial state: the job is registered and its
	// input is available, but no work has been dispatched. A cancelled job
	// returns to this state.
	StatusUploaded Status = "uploaded"

	// StatusProcessing means a worker currently owns the job.
	StatusProcessing Status = "processing"

	// StatusCompleted means the job finished and carries a result.
	StatusCompleted Status = "completed"

	// StatusError means the job failed; ErrorMessage holds the cause.
	StatusError Status = "error"

	// StatusDeleted is only ever observed in events: the record itself is
	// removed from the registry when a job is deleted.
	StatusDeleted Status = "deleted"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the status is one of the known values.
func (s Status) IsValid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusCompleted, StatusError, StatusDeleted:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses after which no further progress
// events are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusDeleted
}

// Segment is one time-aligned span of recognized speech.
type Segment struct {
	// Start and End are offsets into the audio, in seconds.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Text is the recognized text for this span.
	Text string `json:"text"`
}

// TranscriptResult is the payload produced by a completed job. The
// orchestration layer treats it as opaque; it is recorded on the job and
// returned verbatim to API clients.
type TranscriptResult struct {
	// Text is the full transcript.
	Text string `json:"text"`

	// Segments are the time-aligned spans, in order.
	Segments []Segment `json:"segments,omitempty"`

	// Language is the language the engine actually recognized.
	Language string `json:"language,omitempty"`

	// DurationSec is the length of the source audio in seconds.
	DurationSec float64 `json:"duration_seconds,omitempty"`

	// EngineID identifies the pooled engine instance that produced the
	// transcript. Useful when correlating engine health with bad output.
	EngineID string `json:"engine_id,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *TranscriptResult) Clone() *TranscriptResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Segments != nil {
		cp.Segments = make([]Segment, len(r.Segments))
		copy(cp.Segments, r.Segments)
	}
	return &cp
}

// Job is one unit of transcription work.
type Job struct {
	// ID is the unique identifier for the job (UUID v4).
	ID string `json:"id"`

	// Name is the human-facing label, usually the uploaded filename.
	Name string `json:"name"`

	// Source is where the job's audio lives (path or URL). Opaque to the
	// orchestration layer; handed to the work function as-is.
	Source string `json:"source,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Progress is the last reported completion percentage, 0-100.
	Progress int `json:"progress"`

	// ErrorMessage holds the failure or cancellation detail.
	ErrorMessage string `json:"error_message,omitempty"`

	// Cancelled is the cooperative cancellation flag. Workers observe it
	// before starting and at every progress checkpoint.
	Cancelled bool `json:"cancelled,omitempty"`

	// Language and Hotword are recognition options carried with the job.
	Language string `json:"language,omitempty"`
	Hotword  string `json:"hotword,omitempty"`

	// Result is the transcript, set when Status is completed.
	Result *TranscriptResult `json:"result,omitempty"`

	// CreatedAt is when the job was registered (UTC).
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record last changed (UTC).
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is when the job reached completed or error.
	// Zero while the job has not finished.
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Result = j.Result.Clone()
	return &cp
}

// Patch specifies fields to update on a job.
//
// Only non-nil fields are applied (partial update). Pointers distinguish
// "set to zero value" from "not set".
type Patch struct {
	Status       *Status
	Progress     *int
	ErrorMessage *string
	Cancelled    *bool
	Language     *string
	Hotword      *string
	Result       *TranscriptResult
	CompletedAt  *time.Time
}

// NotFoundError indicates a referenced job does not exist in the registry.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %q not found", e.ID)
}

// NewNotFoundError creates a NotFoundError for the given job ID.
func NewNotFoundError(id string) *NotFoundError {
	return &NotFoundError{ID: id}
}

// ConflictError indicates an operation is invalid in the job's current
// state, e.g. submitting a job that is already processing.
type ConflictError struct {
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %q: %s", e.ID, e.Reason)
}

// NewConflictError creates a ConflictError for the given job ID.
func NewConflictError(id, reason string) *ConflictError {
	return &ConflictError{ID: id, Reason: reason}
}

// InvalidInputError indicates a request that cannot be acted on as given,
// e.g. an empty batch or a malformed field.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// NewInvalidInputError creates an InvalidInputError with the given reason.
func NewInvalidInputError(reason string) *InvalidInputError {
	return &InvalidInputError{Reason: reason}
}
