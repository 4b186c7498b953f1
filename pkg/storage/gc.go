package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"
)

// GCOptions defines options for garbage collection.
type GCOptions struct {
	// DryRun reports what would be deleted without deleting anything.
	DryRun bool

	// Retention overrides the backend's configured retention policy.
	// If nil, the backend's default retention config is used.
	Retention *RetentionConfig
}

// GCResult contains the results of a garbage collection run.
type GCResult struct {
	// RecordsDeleted is the number of history records deleted.
	RecordsDeleted int

	// DeletedJobIDs lists the jobs whose records were deleted.
	DeletedJobIDs []string

	// Errors contains any errors encountered during deletion.
	// GC continues even if individual deletions fail.
	Errors []error
}

// GarbageCollect deletes history records that violate the retention policy.
//
// Two rules apply, in order: records whose job finished more than
// MaxAgeDays ago are deleted first, then the oldest remaining records are
// deleted until at most MaxRecords are left. With retention disabled this
// is a no-op.
func (b *LocalBackend) GarbageCollect(ctx context.Context, opts GCOptions) (*GCResult, error) {
	retention := b.cfg.Retention
	if opts.Retention != nil {
		retention = *opts.Retention
	}

	if !retention.IsEnabled() {
		return &GCResult{}, nil
	}

	result := &GCResult{
		DeletedJobIDs: make([]string, 0),
		Errors:        make([]error, 0),
	}

	recs, err := b.History().List(ctx, HistoryFilter{})
	if err != nil {
		return result, fmt.Errorf("list history: %w", err)
	}
	if len(recs) == 0 {
		return result, nil
	}

	// Oldest first, so excess deletion walks from the front.
	sort.Slice(recs, func(i, j int) bool {
		return recordTime(recs[i]).Before(recordTime(recs[j]))
	})

	var ageCutoff time.Time
	if retention.MaxAgeDays > 0 {
		ageCutoff = time.Now().AddDate(0, 0, -retention.MaxAgeDays)
	}

	toDelete := make([]string, 0)

	// Phase 1: records older than MaxAgeDays
	if retention.MaxAgeDays > 0 {
		for _, rec := range recs {
			if recordTime(rec).Before(ageCutoff) {
				toDelete = append(toDelete, rec.JobID)
			}
		}
	}

	// Phase 2: if the rest still exceeds MaxRecords, drop the oldest
	if retention.MaxRecords > 0 {
		remaining := make([]*HistoryRecord, 0)
		for _, rec := range recs {
			if !slices.Contains(toDelete, rec.JobID) {
				remaining = append(remaining, rec)
			}
		}

		if len(remaining) > retention.MaxRecords {
			excessCount := len(remaining) - retention.MaxRecords
			for i := range excessCount {
				toDelete = append(toDelete, remaining[i].JobID)
			}
		}
	}

	for _, jobID := range toDelete {
		if opts.DryRun {
			result.DeletedJobIDs = append(result.DeletedJobIDs, jobID)
			result.RecordsDeleted++
			continue
		}
		if err := b.History().Delete(ctx, jobID); err != nil {
			// Record the error but keep deleting the rest.
			result.Errors = append(result.Errors, fmt.Errorf("delete record %s: %w", jobID, err))
			continue
		}
		result.DeletedJobIDs = append(result.DeletedJobIDs, jobID)
		result.RecordsDeleted++
	}

	return result, nil
}
