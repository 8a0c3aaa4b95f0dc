package jobs

import (
	"context"
	"time"
)

// Repo defines persistence operations for jobs. The store is the single
// authoritative copy of every job record; orchestrator memory is only a cache
// and must write through after every mutation.
//
// Slot updates are slot-granular: two workers finishing different guidelines
// concurrently must never overwrite each other's slot.
type Repo interface {
	Create(ctx context.Context, job Job) error
	GetByID(ctx context.Context, jobID string) (Job, error)
	List(ctx context.Context, limit, offset int) ([]Job, error)

	// UpdateState sets the job state and optionally the error message and
	// started/completed timestamps.
	UpdateState(ctx context.Context, jobID, state string, errorMessage *string, startedAt, completedAt *time.Time) error

	// Heartbeat refreshes the liveness timestamp without touching anything else.
	Heartbeat(ctx context.Context, jobID string, at time.Time) error

	// ClaimSlot transitions one slot from pending to running. It returns false
	// without error when the slot is not claimable (already running or
	// terminal), which is how dispatch verifies single ownership.
	ClaimSlot(ctx context.Context, jobID, guidelineID string, startedAt time.Time) (bool, error)

	// FinishSlot writes the terminal value of one slot (done or error).
	FinishSlot(ctx context.Context, jobID string, slot GuidelineResult) error

	// ResetSlot returns a non-terminal slot to pending so recovery can
	// re-dispatch it. Terminal slots are left untouched.
	ResetSlot(ctx context.Context, jobID, guidelineID string) error

	// SetReport stores the aggregate report for a guideline-set job.
	SetReport(ctx context.Context, jobID string, report Report) error

	// SetCombinedResult stores the single result for a prompt-mode job.
	SetCombinedResult(ctx context.Context, jobID string, result map[string]any) error
}
