// Package storage persists transcription history for Voxlane.
//
// The storage package defines the Backend interface that abstracts history
// persistence. The default implementation is LocalBackend, which keeps one
// JSON document per job under the workspace directory and guards it with
// file locks so several processes sharing a workspace stay consistent.
//
// Alternative backends (a database-backed store, an object store) can be
// registered through DefaultFactory without touching the callers.
package storage

import "context"

// Backend is the storage abstraction for transcription history.
//
// Backend exposes the domain store (HistoryStore) plus workspace lifecycle
// and retention enforcement. Keeping the interface narrow lets other
// backends add their own stores without changing the orchestrator.
//
// Thread-safety: all methods must be safe for concurrent use.
type Backend interface {
	// Initialize prepares the backend for use, creating the workspace
	// directory layout for a local backend or running migrations for a
	// database-backed one.
	Initialize(ctx context.Context) error

	// Close releases resources held by the backend. Calling Close more
	// than once is allowed.
	Close() error

	// History returns the transcription history store.
	History() HistoryStore

	// GarbageCollect removes history records that violate the retention
	// policy: records older than MaxAgeDays, and the oldest records
	// beyond MaxRecords.
	//
	// Returns statistics about deleted records and any per-record errors
	// encountered along the way.
	GarbageCollect(ctx context.Context, opts GCOptions) (*GCResult, error)
}

// HistoryStore manages finished-transcription records.
//
// A job has at most one history record; re-transcribing a job replaces the
// record from the earlier run.
//
// Thread-safety: all methods must be safe for concurrent use.
type HistoryStore interface {
	// Append stores the record for a finished job, replacing any record
	// a previous run of the same job left behind.
	//
	// Returns an InvalidInputError if the record has no job ID.
	Append(ctx context.Context, rec *HistoryRecord) error

	// List returns records matching the filter, newest first.
	//
	// Returns an empty slice when nothing matches.
	List(ctx context.Context, filter HistoryFilter) ([]*HistoryRecord, error)

	// Get retrieves the record for a specific job.
	//
	// Returns a NotFoundError if the job has no history record.
	Get(ctx context.Context, jobID string) (*HistoryRecord, error)

	// Delete removes the record for a specific job.
	//
	// Returns a NotFoundError if the job has no history record.
	Delete(ctx context.Context, jobID string) error
}

// Factory constructs a Backend from a Config.
type Factory func(ctx context.Context, cfg *Config) (Backend, error)

// DefaultFactory builds the backend used by Open. LocalBackend registers
// itself here; alternative backends may override it before Open is called.
var DefaultFactory Factory

// Open constructs a backend using DefaultFactory.
func Open(ctx context.Context, cfg *Config) (Backend, error) {
	if DefaultFactory == nil {
		return nil, ErrNotSupported
	}
	return DefaultFactory(ctx, cfg)
}
