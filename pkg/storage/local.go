package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

func init() {
	// Register LocalBackend as the default factory
	DefaultFactory = func(ctx context.Context, cfg *Config) (Backend, error) {
		return NewLocalBackend(ctx, cfg)
	}
}

// LocalBackend implements Backend using file-based storage.
//
// Storage layout:
//
//	{workspace}/
//	  history/
//	    {job-id}.json
//	  uploads/
//	    {job-id}{ext}
//	  logs/
//	  exports/
//
// Thread-safety: record files are protected by file locks, so multiple
// processes sharing a workspace stay consistent.
type LocalBackend struct {
	cfg     *Config
	history *LocalHistoryStore
	mu      sync.Mutex
	closed  bool
}

// NewLocalBackend creates a new file-based backend.
func NewLocalBackend(ctx context.Context, cfg *Config) (*LocalBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &LocalBackend{
		cfg: cfg,
		history: &LocalHistoryStore{
			root: filepath.Join(cfg.WorkspaceRoot, "history"),
		},
	}, nil
}

// Initialize creates the workspace directory layout.
func (b *LocalBackend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	dirs := []string{
		filepath.Join(b.cfg.WorkspaceRoot, "history"),
		filepath.Join(b.cfg.WorkspaceRoot, "uploads"),
		filepath.Join(b.cfg.WorkspaceRoot, "logs"),
		filepath.Join(b.cfg.WorkspaceRoot, "exports"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Close releases resources held by the backend.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

// History returns the transcription history store.
func (b *LocalBackend) History() HistoryStore {
	return b.history
}

// UploadDir returns the directory that uploaded media is stored in.
func (b *LocalBackend) UploadDir() string {
	return filepath.Join(b.cfg.WorkspaceRoot, "uploads")
}

// LocalHistoryStore implements HistoryStore with one JSON file per job.
type LocalHistoryStore struct {
	root string // Root directory for records (workspace/history)
}

// Append stores the record for a finished job, replacing any earlier record
// for the same job ID.
func (s *LocalHistoryStore) Append(ctx context.Context, rec *HistoryRecord) error {
	if err := checkJobID(rec.JobID); err != nil {
		return err
	}

	// Ensure the history directory exists even when Initialize was skipped.
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	recordPath := s.recordPath(rec.JobID)

	lock := flock.New(recordPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := os.WriteFile(recordPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	return nil
}

// Get retrieves the record for a specific job.
func (s *LocalHistoryStore) Get(ctx context.Context, jobID string) (*HistoryRecord, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}

	recordPath := s.recordPath(jobID)

	if _, err := os.Stat(recordPath); os.IsNotExist(err) {
		return nil, NewNotFoundError("history record", jobID)
	}

	lock := flock.New(recordPath + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(recordPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var rec HistoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}

	return &rec, nil
}

// List returns records matching the filter, newest first.
func (s *LocalHistoryStore) List(ctx context.Context, filter HistoryFilter) ([]*HistoryRecord, error) {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return []*HistoryRecord{}, nil
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var recs []*HistoryRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		rec, err := s.Get(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			// Skip unreadable records
			continue
		}

		if matchesFilter(rec, filter) {
			recs = append(recs, rec)
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		return recordTime(recs[i]).After(recordTime(recs[j]))
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(recs) {
			return []*HistoryRecord{}, nil
		}
		recs = recs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(recs) {
		recs = recs[:filter.Limit]
	}

	if recs == nil {
		recs = []*HistoryRecord{}
	}
	return recs, nil
}

// Delete removes the record for a specific job.
func (s *LocalHistoryStore) Delete(ctx context.Context, jobID string) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}

	recordPath := s.recordPath(jobID)

	if _, err := os.Stat(recordPath); os.IsNotExist(err) {
		return NewNotFoundError("history record", jobID)
	}

	if err := os.Remove(recordPath); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	_ = os.Remove(recordPath + ".lock") // Ignore error

	return nil
}

func (s *LocalHistoryStore) recordPath(jobID string) string {
	return filepath.Join(s.root, jobID+".json")
}

// checkJobID rejects IDs that are empty or would escape the history
// directory when used as a file name.
func checkJobID(jobID string) error {
	if jobID == "" {
		return NewInvalidInputError("job_id", "required")
	}
	if jobID != filepath.Base(jobID) || jobID == "." || jobID == ".." {
		return NewInvalidInputError("job_id", "must not contain path separators")
	}
	return nil
}

func matchesFilter(rec *HistoryRecord, filter HistoryFilter) bool {
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.Name != "" && !strings.Contains(rec.Name, filter.Name) {
		return false
	}
	if filter.Language != "" && rec.Language != filter.Language {
		return false
	}
	return true
}

// recordTime is the sort key for history listings: completion time when the
// record has one, creation time otherwise.
func recordTime(rec *HistoryRecord) time.Time {
	if !rec.CompletedAt.IsZero() {
		return rec.CompletedAt
	}
	return rec.CreatedAt
}
