package jobs

import (
	"context"
	"fmt"
	"time"

	"compliance-backend/internal/queue"
	"compliance-backend/internal/shared/telemetry"
)

// Recover re-dispatches a non-terminal job, typically after a crash left it
// running with no live worker. Finished slots keep their persisted results;
// only unfinished slots are reset to pending and re-executed. Calling it on a
// job that needs nothing is harmless.
func (s *Service) Recover(ctx context.Context, jobID string) (Job, error) {
	job, err := s.Repo.GetByID(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Terminal() {
		return Job{}, ErrInvalidState
	}
	if s.activeInProcess(jobID) {
		return Job{}, ErrJobActive
	}

	reset := 0
	for _, slot := range job.Slots {
		if SlotTerminal(slot.Status) {
			continue
		}
		if err := s.Repo.ResetSlot(ctx, jobID, slot.GuidelineID); err != nil {
			return Job{}, fmt.Errorf("slot reset %s: %w", slot.GuidelineID, err)
		}
		reset++
	}
	telemetry.Info("job.recover", map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"job_id":      jobID,
		"slots_reset": reset,
	})

	// Re-dispatch the same way Submit does: through the queue when one is
	// wired, in-process otherwise.
	if s.Queue != nil {
		msg := queue.Message{
			JobID:      jobID,
			RequestID:  requestIDFromContext(ctx),
			EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
			Version:    1,
		}
		if err := s.Queue.Send(ctx, msg); err != nil {
			return Job{}, fmt.Errorf("enqueue: %w", err)
		}
	} else {
		go s.RunAsync(backgroundWithRequestID(ctx), jobID)
	}

	job, err = s.Repo.GetByID(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	return job, nil
}
