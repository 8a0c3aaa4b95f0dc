package jobs

import (
	"context"
	"fmt"
	"time"

	"compliance-backend/internal/llm"
	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/telemetry"
)

// runSlot executes one guideline against the registered documents. A failure
// here terminates only this slot; the job keeps going.
func (s *Service) runSlot(ctx context.Context, jobID, systemPrompt string, slot GuidelineResult, handles []string) {
	claimed, err := s.Repo.ClaimSlot(ctx, jobID, slot.GuidelineID, time.Now().UTC())
	if err != nil {
		telemetry.Error("slot.claim_failed", map[string]any{
			"request_id":   requestIDFromContext(ctx),
			"job_id":       jobID,
			"guideline_id": slot.GuidelineID,
			"error":        sanitizeError(err),
		})
		return
	}
	if !claimed {
		// Already terminal or owned by another worker.
		return
	}

	release := s.Heartbeat.Acquire(jobID)
	defer release()

	requestID := requestIDFromContext(ctx)
	client := newRetryingLLM(s.LLM, jobID, slot.GuidelineID, requestID)

	raw, err := client.Invoke(ctx, llm.Request{
		FileHandles:     handles,
		Instructions:    buildGuidelineInstructions(systemPrompt, slot),
		ReasoningEffort: s.ReasoningEffort,
		Label:           slot.Title,
	})
	finishedAt := time.Now().UTC()
	if err != nil {
		s.finishSlotError(ctx, jobID, slot, err, finishedAt)
		return
	}

	parsed := ParseVerdict(raw)
	slot.Status = SlotDone
	slot.ResultCode = parsed.Code
	slot.Explanation = parsed.Explanation
	slot.LocationRef = parsed.LocationRef
	slot.QuotedExcerpt = parsed.QuotedExcerpt
	slot.FallbackUsed = parsed.FallbackUsed
	slot.FinishedAt = &finishedAt
	if err := s.Repo.FinishSlot(ctx, jobID, slot); err != nil {
		s.finishSlotError(ctx, jobID, slot, fmt.Errorf("slot persist: %w", err), finishedAt)
		return
	}
	metrics.IncSlotDone()
	telemetry.Info("slot.done", map[string]any{
		"request_id":    requestID,
		"job_id":        jobID,
		"guideline_id":  slot.GuidelineID,
		"result_code":   parsed.Code,
		"fallback_used": parsed.FallbackUsed,
	})
}

func (s *Service) finishSlotError(ctx context.Context, jobID string, slot GuidelineResult, cause error, finishedAt time.Time) {
	msg := sanitizeError(cause)
	slot.Status = SlotError
	slot.ResultCode = ""
	slot.ErrorMessage = &msg
	slot.FinishedAt = &finishedAt
	if err := s.Repo.FinishSlot(ctx, jobID, slot); err != nil {
		telemetry.Error("slot.finish_failed", map[string]any{
			"request_id":   requestIDFromContext(ctx),
			"job_id":       jobID,
			"guideline_id": slot.GuidelineID,
			"error":        sanitizeError(err),
			"cause":        msg,
		})
		return
	}
	metrics.IncSlotErrored()
	telemetry.Info("slot.error", map[string]any{
		"request_id":   requestIDFromContext(ctx),
		"job_id":       jobID,
		"guideline_id": slot.GuidelineID,
		"error":        msg,
	})
}
