package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"compliance-backend/internal/documents"
	"compliance-backend/internal/guidelines"
	"compliance-backend/internal/llm"
	"compliance-backend/internal/queue"
	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/storage/object"
	"compliance-backend/internal/shared/telemetry"
)

const (
	defaultConcurrency = 3
	defaultStagger     = 5 * time.Second
	defaultStaleAfter  = 2 * time.Minute
)

// Service orchestrates analysis jobs: validation, creation, fan-out over
// guideline slots, completion, and recovery. The store is authoritative for
// every job record; the Service only caches within one run.
type Service struct {
	Repo      Repo
	Library   *guidelines.Library
	DocRepo   documents.Repo
	Store     object.ObjectStore
	LLM       llm.Client
	Queue     queue.Client
	Heartbeat *HeartbeatMonitor

	// Concurrency caps simultaneous guideline calls per job; Stagger spaces
	// out their starts so the provider is not hit with a burst.
	Concurrency     int64
	Stagger         time.Duration
	StaleAfter      time.Duration
	ReasoningEffort string

	// active tracks jobs being executed by this process, so recovery cannot
	// double-dispatch a job that is already in flight here.
	active sync.Map
}

// SubmitInput is the payload for creating a job. Exactly one of GuidelineSet
// and Prompt must be set.
type SubmitInput struct {
	DocumentIDs  []string
	GuidelineSet string
	Prompt       string
}

// Submit validates the input, persists a queued job with pending slots, and
// starts execution in-process or hands it to the queue. Validation failures
// happen before any record exists.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (Job, error) {
	input.GuidelineSet = strings.TrimSpace(input.GuidelineSet)
	input.Prompt = strings.TrimSpace(input.Prompt)

	if len(input.DocumentIDs) == 0 {
		return Job{}, fmt.Errorf("%w: at least one document is required", ErrValidation)
	}
	if (input.GuidelineSet == "") == (input.Prompt == "") {
		return Job{}, fmt.Errorf("%w: exactly one of guidelineSet and prompt is required", ErrValidation)
	}
	for _, docID := range input.DocumentIDs {
		if _, err := s.DocRepo.GetByID(ctx, docID); err != nil {
			if errors.Is(err, documents.ErrNotFound) {
				return Job{}, fmt.Errorf("%w: document %s not found", ErrValidation, docID)
			}
			return Job{}, fmt.Errorf("document lookup id=%s: %w", docID, err)
		}
	}

	job := Job{
		ID:          uuid.NewString(),
		State:       StateQueued,
		DocumentIDs: append([]string(nil), input.DocumentIDs...),
		CreatedAt:   time.Now().UTC(),
	}
	if input.Prompt != "" {
		job.Mode = ModePrompt
		job.Prompt = input.Prompt
	} else {
		job.Mode = ModeGuidelines
		job.GuidelineSet = input.GuidelineSet
		set, err := s.Library.Set(input.GuidelineSet)
		if err != nil {
			return Job{}, fmt.Errorf("%w: unknown guideline set %q", ErrValidation, input.GuidelineSet)
		}
		job.Slots = make([]GuidelineResult, 0, len(set.Guidelines))
		for i, g := range set.Guidelines {
			job.Slots = append(job.Slots, GuidelineResult{
				GuidelineID:    g.ID,
				Title:          g.Title,
				RegulationText: g.RegulationText,
				Position:       i,
				Status:         SlotPending,
			})
		}
	}

	if err := s.Repo.Create(ctx, job); err != nil {
		return Job{}, err
	}

	if s.Queue != nil {
		msg := queue.Message{
			JobID:      job.ID,
			RequestID:  requestIDFromContext(ctx),
			EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
			Version:    1,
		}
		if err := s.Queue.Send(ctx, msg); err != nil {
			s.failJob(ctx, job.ID, fmt.Errorf("enqueue: %w", err), nil)
			return Job{}, err
		}
	} else {
		go s.RunAsync(backgroundWithRequestID(ctx), job.ID)
	}

	return job, nil
}

// Get returns one job by ID.
func (s *Service) Get(ctx context.Context, jobID string) (Job, error) {
	if jobID == "" {
		return Job{}, fmt.Errorf("%w: job id is required", ErrValidation)
	}
	return s.Repo.GetByID(ctx, jobID)
}

// List returns jobs ordered newest-first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Job, error) {
	return s.Repo.List(ctx, limit, offset)
}

// Stale reports whether a running job's liveness signal is older than the
// configured threshold. Stale is an observed condition, never stored, and
// never triggers an automatic retry.
func (s *Service) Stale(job Job, now time.Time) bool {
	if job.State != StateRunning {
		return false
	}
	reference := job.HeartbeatAt
	if reference == nil {
		reference = job.StartedAt
	}
	if reference == nil {
		return false
	}
	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return now.Sub(*reference) > staleAfter
}

// RunAsync executes a job in the background, dropping the call when the job
// is already running in this process.
func (s *Service) RunAsync(ctx context.Context, jobID string) {
	if err := s.ProcessJob(ctx, jobID); err != nil && !errors.Is(err, ErrJobActive) {
		telemetry.Error("job.run_failed", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"job_id":     jobID,
			"error":      sanitizeError(err),
		})
	}
}

// ProcessJob executes a job synchronously, guarding against double execution
// within this process and converting panics into a failed job. Failures are
// persisted on the job before being returned; the error return exists for
// queue consumers that decide redelivery.
func (s *Service) ProcessJob(ctx context.Context, jobID string) (err error) {
	if _, loaded := s.active.LoadOrStore(jobID, struct{}{}); loaded {
		return ErrJobActive
	}
	defer s.active.Delete(jobID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.failJob(ctx, jobID, err, nil)
		}
	}()
	return s.run(ctx, jobID)
}

func (s *Service) activeInProcess(jobID string) bool {
	_, ok := s.active.Load(jobID)
	return ok
}

func (s *Service) run(ctx context.Context, jobID string) error {
	job, err := s.Repo.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("job lookup: %w", err)
	}
	// Terminal jobs are immutable. A queue redelivery of an already finished
	// job must be dropped without side effects; only Recover may re-enter a
	// non-terminal job.
	if job.Terminal() {
		telemetry.Info("job.already_terminal", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"job_id":     job.ID,
			"status":     job.State,
		})
		return nil
	}

	startedAt := time.Now().UTC()
	if err := s.Repo.UpdateState(ctx, jobID, StateRunning, nil, &startedAt, nil); err != nil {
		err = fmt.Errorf("set running failed: %w", err)
		s.failJob(ctx, jobID, err, &startedAt)
		return err
	}
	metrics.IncJobStarted()
	telemetry.Info("job.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"job_id":            job.ID,
		"mode":              job.Mode,
		"status":            StateRunning,
		"status_transition": "queued->running",
	})

	if s.LLM == nil {
		err = errors.New("missing llm client")
		s.failJob(ctx, jobID, err, &startedAt)
		return err
	}
	if s.DocRepo == nil || s.Store == nil {
		err = errors.New("missing document store dependencies")
		s.failJob(ctx, jobID, err, &startedAt)
		return err
	}

	handles, err := s.registerDocuments(ctx, job)
	if err != nil {
		s.failJob(ctx, jobID, err, &startedAt)
		return err
	}
	defer s.releaseDocuments(handles)

	switch job.Mode {
	case ModePrompt:
		err = s.runPrompt(ctx, job, handles)
	default:
		err = s.runGuidelines(ctx, job, handles)
	}
	if err != nil {
		s.failJob(ctx, jobID, err, &startedAt)
		return err
	}

	completedAt := time.Now().UTC()
	if err := s.Repo.UpdateState(ctx, jobID, StateCompleted, nil, nil, &completedAt); err != nil {
		err = fmt.Errorf("set completed failed: %w", err)
		s.failJob(ctx, jobID, err, &startedAt)
		return err
	}
	metrics.IncJobCompleted()
	metrics.ObserveJobDurationMs(durationMs(&startedAt, &completedAt))
	telemetry.Info("job.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"job_id":            job.ID,
		"mode":              job.Mode,
		"status":            StateCompleted,
		"status_transition": "running->completed",
		"duration_ms":       durationMs(&startedAt, &completedAt),
	})
	return nil
}

// registerDocuments uploads every job document to the inference provider once
// and returns the opaque handles, in document order.
func (s *Service) registerDocuments(ctx context.Context, job Job) ([]string, error) {
	handles := make([]string, 0, len(job.DocumentIDs))
	for _, docID := range job.DocumentIDs {
		doc, err := s.DocRepo.GetByID(ctx, docID)
		if err != nil {
			s.releaseDocuments(handles)
			return nil, fmt.Errorf("document lookup id=%s: %w", docID, err)
		}
		body, err := s.Store.Open(ctx, doc.StorageKey)
		if err != nil {
			s.releaseDocuments(handles)
			return nil, fmt.Errorf("document open id=%s: %w", docID, err)
		}
		handle, err := s.LLM.RegisterFile(ctx, doc.OriginalFilename, body)
		body.Close()
		if err != nil {
			s.releaseDocuments(handles)
			return nil, fmt.Errorf("document register id=%s: %w", docID, err)
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

// releaseDocuments is best-effort cleanup; a leaked provider file never fails
// a job.
func (s *Service) releaseDocuments(handles []string) {
	for _, handle := range handles {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.LLM.ReleaseFile(ctx, handle); err != nil {
			telemetry.Error("job.release_file_failed", map[string]any{
				"handle": handle,
				"error":  sanitizeError(err),
			})
		}
		cancel()
	}
}

// runGuidelines fans the pending slots out over a weighted semaphore with a
// stagger between starts, waits for all of them, and stores the aggregate
// report. Slot failures never fail the job.
func (s *Service) runGuidelines(ctx context.Context, job Job, handles []string) error {
	workers := s.Concurrency
	if workers <= 0 {
		workers = defaultConcurrency
	}
	sem := semaphore.NewWeighted(workers)

	var wg sync.WaitGroup
	started := 0
	for _, slot := range job.Slots {
		if SlotTerminal(slot.Status) {
			continue
		}
		if started > 0 && s.Stagger > 0 {
			select {
			case <-time.After(s.Stagger):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		started++
		wg.Add(1)
		go func(slot GuidelineResult) {
			defer wg.Done()
			defer sem.Release(1)
			s.runSlot(ctx, job.ID, s.Library.SystemPrompt, slot, handles)
		}(slot)
	}
	wg.Wait()

	refreshed, err := s.Repo.GetByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("job reload: %w", err)
	}
	for _, slot := range refreshed.Slots {
		if !SlotTerminal(slot.Status) {
			return fmt.Errorf("slot %s left unfinished", slot.GuidelineID)
		}
	}
	report := BuildReport(refreshed.Slots)
	if err := s.Repo.SetReport(ctx, job.ID, report); err != nil {
		return fmt.Errorf("set report failed: %w", err)
	}
	return nil
}

// runPrompt runs the single combined call for a prompt-mode job.
func (s *Service) runPrompt(ctx context.Context, job Job, handles []string) error {
	release := s.Heartbeat.Acquire(job.ID)
	defer release()

	client := newRetryingLLM(s.LLM, job.ID, "", requestIDFromContext(ctx))
	raw, err := client.Invoke(ctx, llm.Request{
		FileHandles:     handles,
		Instructions:    buildPromptInstructions(s.Library.GeneralPrompt, job.Prompt),
		ReasoningEffort: s.ReasoningEffort,
		Label:           "prompt",
	})
	if err != nil {
		return fmt.Errorf("llm analyze: %w", err)
	}

	result := buildCombinedResult(raw)
	if err := s.Repo.SetCombinedResult(ctx, job.ID, result); err != nil {
		return fmt.Errorf("set combined result failed: %w", err)
	}
	return nil
}

func (s *Service) failJob(ctx context.Context, jobID string, cause error, startedAt *time.Time) {
	code := classifyFailure(cause)
	msg := code + ": " + sanitizeError(cause)
	completedAt := time.Now().UTC()
	if err := s.Repo.UpdateState(context.Background(), jobID, StateFailed, &msg, nil, &completedAt); err != nil {
		telemetry.Error("job.fail_update_failed", map[string]any{
			"job_id": jobID,
			"error":  sanitizeError(err),
			"cause":  msg,
		})
	}
	metrics.IncJobFailed()
	if startedAt != nil {
		metrics.ObserveJobDurationMs(durationMs(startedAt, &completedAt))
	}
	telemetry.Info("job.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"job_id":            jobID,
		"status":            StateFailed,
		"status_transition": "running->failed",
		"error_code":        code,
		"duration_ms":       durationMs(startedAt, &completedAt),
	})
}

func durationMs(startedAt, completedAt *time.Time) float64 {
	if startedAt == nil || completedAt == nil {
		return 0
	}
	return float64(completedAt.Sub(*startedAt).Microseconds()) / 1000.0
}

func classifyFailure(err error) string {
	if err == nil {
		return ErrorCodeInternal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeLLMTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "openai request timeout") {
		return ErrorCodeLLMTimeout
	}
	if strings.Contains(msg, "timeout") && strings.Contains(msg, "llm") {
		return ErrorCodeLLMTimeout
	}
	if strings.Contains(msg, "llm analyze") || strings.Contains(msg, "response empty") || strings.Contains(msg, "response parse") {
		return ErrorCodeLLMResponse
	}
	if strings.Contains(msg, "validation") && !strings.Contains(msg, "llm") {
		return ErrorCodeValidation
	}
	if strings.Contains(msg, "document") || strings.Contains(msg, "storage") ||
		strings.Contains(msg, "set report") || strings.Contains(msg, "set combined result") ||
		strings.Contains(msg, "set running") || strings.Contains(msg, "set completed") ||
		strings.Contains(msg, "job lookup") || strings.Contains(msg, "job reload") {
		return ErrorCodeStorage
	}
	return ErrorCodeInternal
}

// buildCombinedResult keeps structured model output as-is and wraps free text.
func buildCombinedResult(raw string) map[string]any {
	parsed, ok := decodeVerdict(raw)
	if !ok {
		return map[string]any{"rawText": strings.TrimSpace(raw)}
	}
	out := map[string]any{
		"resultCode":  parsed.Code,
		"explanation": parsed.Explanation,
	}
	if parsed.LocationRef != "" {
		out["location"] = parsed.LocationRef
	}
	if parsed.QuotedExcerpt != "" {
		out["quote"] = parsed.QuotedExcerpt
	}
	return out
}
