package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores jobs in memory and is safe for concurrent use. It exists
// for development and tests; it does not survive a process restart, so
// deployments that need recovery must use the Postgres store.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Job
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Job)}
}

// Create stores the job.
func (r *MemoryRepo) Create(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[job.ID] = cloneJob(job)
	return nil
}

// GetByID returns a job by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byID[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

// List returns jobs newest-first with limit/offset.
func (r *MemoryRepo) List(ctx context.Context, limit, offset int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}

	r.mu.RLock()
	jobs := make([]Job, 0, len(r.byID))
	for _, job := range r.byID {
		jobs = append(jobs, cloneJob(job))
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if offset >= len(jobs) {
		return []Job{}, nil
	}
	end := len(jobs)
	if offset+limit < end {
		end = offset + limit
	}
	return jobs[offset:end], nil
}

// UpdateState sets state and optional error/timestamps.
func (r *MemoryRepo) UpdateState(ctx context.Context, jobID, state string, errorMessage *string, startedAt, completedAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	job.State = state
	if errorMessage != nil {
		job.ErrorMessage = errorMessage
	}
	if startedAt != nil {
		job.StartedAt = startedAt
	} else if state == StateRunning && job.StartedAt == nil {
		now := time.Now().UTC()
		job.StartedAt = &now
	}
	if completedAt != nil {
		job.CompletedAt = completedAt
	} else if (state == StateCompleted || state == StateFailed) && job.CompletedAt == nil {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	job.UpdatedAt = time.Now().UTC()
	r.byID[jobID] = job
	return nil
}

// Heartbeat refreshes the liveness timestamp.
func (r *MemoryRepo) Heartbeat(ctx context.Context, jobID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	job.HeartbeatAt = &at
	job.UpdatedAt = time.Now().UTC()
	r.byID[jobID] = job
	return nil
}

// ClaimSlot transitions a pending slot to running; returns false if the slot
// is not claimable.
func (r *MemoryRepo) ClaimSlot(ctx context.Context, jobID, guidelineID string, startedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return false, ErrNotFound
	}
	for i := range job.Slots {
		if job.Slots[i].GuidelineID != guidelineID {
			continue
		}
		if job.Slots[i].Status != SlotPending {
			return false, nil
		}
		job.Slots[i].Status = SlotRunning
		job.Slots[i].StartedAt = &startedAt
		job.UpdatedAt = time.Now().UTC()
		r.byID[jobID] = job
		return true, nil
	}
	return false, ErrNotFound
}

// FinishSlot writes the terminal value of one slot.
func (r *MemoryRepo) FinishSlot(ctx context.Context, jobID string, slot GuidelineResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	for i := range job.Slots {
		if job.Slots[i].GuidelineID != slot.GuidelineID {
			continue
		}
		slot.Title = job.Slots[i].Title
		slot.RegulationText = job.Slots[i].RegulationText
		slot.Position = job.Slots[i].Position
		if slot.StartedAt == nil {
			slot.StartedAt = job.Slots[i].StartedAt
		}
		job.Slots[i] = slot
		job.UpdatedAt = time.Now().UTC()
		r.byID[jobID] = job
		return nil
	}
	return ErrNotFound
}

// ResetSlot returns a running slot to pending. Terminal slots are untouched.
func (r *MemoryRepo) ResetSlot(ctx context.Context, jobID, guidelineID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	for i := range job.Slots {
		if job.Slots[i].GuidelineID != guidelineID {
			continue
		}
		if SlotTerminal(job.Slots[i].Status) {
			return nil
		}
		job.Slots[i].Status = SlotPending
		job.Slots[i].StartedAt = nil
		job.UpdatedAt = time.Now().UTC()
		r.byID[jobID] = job
		return nil
	}
	return ErrNotFound
}

// SetReport stores the aggregate report.
func (r *MemoryRepo) SetReport(ctx context.Context, jobID string, report Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Report = &report
	job.UpdatedAt = time.Now().UTC()
	r.byID[jobID] = job
	return nil
}

// SetCombinedResult stores the single prompt-mode result.
func (r *MemoryRepo) SetCombinedResult(ctx context.Context, jobID string, result map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	job.CombinedResult = result
	job.UpdatedAt = time.Now().UTC()
	r.byID[jobID] = job
	return nil
}

func cloneJob(job Job) Job {
	out := job
	out.DocumentIDs = append([]string(nil), job.DocumentIDs...)
	out.Slots = append([]GuidelineResult(nil), job.Slots...)
	if job.Report != nil {
		report := *job.Report
		out.Report = &report
	}
	if job.CombinedResult != nil {
		result := make(map[string]any, len(job.CombinedResult))
		for k, v := range job.CombinedResult {
			result[k] = v
		}
		out.CombinedResult = result
	}
	return out
}

var _ Repo = (*MemoryRepo)(nil)
