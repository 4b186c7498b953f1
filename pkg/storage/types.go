package storage

import (
	"fmt"
	"time"
)

// HistoryRecord is the persisted summary of a finished transcription.
//
// Records are written by the orchestrator when a job reaches a terminal
// state. They survive process restarts and registry removal, so the history
// endpoints can serve past work without keeping every job in memory.
type HistoryRecord struct {
	// JobID is the unique identifier of the transcribed job.
	JobID string `json:"job_id"`

	// Name is the display name of the source media, usually the uploaded
	// file name.
	Name string `json:"name"`

	// Status is the terminal status the job reached ("completed" or
	// "error").
	Status string `json:"status"`

	// Language is the language hint the job was transcribed with.
	Language string `json:"language,omitempty"`

	// Progress is the progress percentage at the time the job finished.
	Progress int `json:"progress"`

	// Text is the full transcript text. Empty for failed jobs.
	Text string `json:"text,omitempty"`

	// SegmentCount is the number of timed segments in the transcript.
	SegmentCount int `json:"segment_count"`

	// DurationSec is the duration of the source media in seconds, as
	// reported by the engine.
	DurationSec float64 `json:"duration_seconds"`

	// ElapsedSec is the wall-clock processing time in seconds.
	ElapsedSec float64 `json:"elapsed_seconds"`

	// EngineID identifies the engine instance that produced the
	// transcript.
	EngineID string `json:"engine_id,omitempty"`

	// CreatedAt is when the job was first registered (UTC).
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is when the job reached its terminal state (UTC).
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// HistoryFilter specifies criteria for filtering history records.
//
// Zero-valued fields match everything. Results are always ordered newest
// first by completion time.
type HistoryFilter struct {
	// Status filters by terminal status (empty = all statuses).
	Status string

	// Name filters by display-name substring match (empty = all names).
	Name string

	// Language filters by exact language hint (empty = all languages).
	Language string

	// Limit is the maximum number of results to return (0 = no limit).
	Limit int

	// Offset is the number of results to skip (for pagination).
	Offset int
}

// Config holds settings for opening a storage backend.
type Config struct {
	// WorkspaceRoot is the directory holding all persisted state for a
	// local backend: history records, uploaded media, logs and exports.
	WorkspaceRoot string `json:"workspace_root" koanf:"workspace_root"`

	// Retention is the history retention policy enforced by
	// GarbageCollect.
	Retention RetentionConfig `json:"retention" koanf:"retention"`
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace root is required")
	}
	if c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention max_age_days must not be negative")
	}
	if c.Retention.MaxRecords < 0 {
		return fmt.Errorf("retention max_records must not be negative")
	}
	return nil
}

// RetentionConfig bounds how much history is kept.
//
// A zero value disables retention entirely: records are kept until they are
// deleted explicitly.
type RetentionConfig struct {
	// MaxAgeDays deletes records whose job finished more than this many
	// days ago (0 = no age limit).
	MaxAgeDays int `json:"max_age_days" koanf:"max_age_days"`

	// MaxRecords caps the number of records kept, deleting the oldest
	// beyond the cap (0 = no count limit).
	MaxRecords int `json:"max_records" koanf:"max_records"`
}

// IsEnabled reports whether any retention rule is active.
func (r RetentionConfig) IsEnabled() bool {
	return r.MaxAgeDays > 0 || r.MaxRecords > 0
}
