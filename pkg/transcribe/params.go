package transcribe

import (
	"context"
	"errors"
	"time"

	"github.com/voxlane/voxlane/pkg/jobs"
)

// SubmitParams defines the input required to start a transcription batch.
type SubmitParams struct {
	// JobIDs are the registered jobs to transcribe.
	JobIDs []string

	// Language and Hotword are recognition options applied to every job in
	// the batch. An empty value keeps whatever the job was registered with.
	Language string
	Hotword  string

	// Wait blocks the call until every job reaches a terminal state or
	// Timeout elapses. Without Wait, Submit returns as soon as the batch is
	// dispatched.
	Wait    bool
	Timeout time.Duration
}

// JobOutcome is the per-job view included in a SubmitResult.
type JobOutcome struct {
	JobID        string                 `json:"job_id"`
	Name         string                 `json:"name"`
	Status       jobs.Status            `json:"status"`
	Progress     int                    `json:"progress"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Result       *jobs.TranscriptResult `json:"result,omitempty"`
}

// SubmitResult describes what happened to a submitted batch.
type SubmitResult struct {
	// Success is true when every job was dispatched (non-wait mode) or
	// every job completed without error (wait mode). A wait that times out
	// or sees any failed job reports false.
	Success bool `json:"success"`

	// Status is "processing" (dispatched without waiting), "completed"
	// (all jobs terminal before the deadline) or "timeout".
	Status string `json:"status"`

	Message string `json:"message,omitempty"`

	// JobIDs lists the batch in submission order.
	JobIDs []string `json:"job_ids"`

	// Completed, Failed and Pending partition the batch in wait mode; each
	// list is sorted. Pending is only populated on timeout.
	Completed []string `json:"completed_job_ids,omitempty"`
	Failed    []string `json:"failed_job_ids,omitempty"`
	Pending   []string `json:"pending_job_ids,omitempty"`

	// Outcomes carries the finished jobs' final records.
	Outcomes []JobOutcome `json:"results,omitempty"`
}

// CancelResult reports a successful cancellation.
type CancelResult struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// ErrorCode maps an error to a stable machine-readable code for CLI and
// API consumers.
func ErrorCode(err error) string {
	var notFound *jobs.NotFoundError
	var conflict *jobs.ConflictError
	var invalid *jobs.InvalidInputError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &notFound):
		return "NOT_FOUND"
	case errors.As(err, &conflict):
		return "CONFLICT"
	case errors.As(err, &invalid):
		return "INVALID_INPUT"
	case errors.Is(err, ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, ErrNotRunning):
		return "NOT_RUNNING"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}

// Stats is a snapshot of orchestrator activity.
type Stats struct {
	Workers     int    `json:"workers"`
	BusyWorkers int    `json:"busy_workers"`
	QueueDepth  int    `json:"queue_depth"`
	Submitted   uint64 `json:"submitted"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Cancelled   uint64 `json:"cancelled"`
}
