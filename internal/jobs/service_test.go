package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input SubmitInput
	}{
		{name: "no documents", input: SubmitInput{GuidelineSet: "set-a"}},
		{name: "both modes", input: SubmitInput{DocumentIDs: []string{"doc-1"}, GuidelineSet: "set-a", Prompt: "q"}},
		{name: "neither mode", input: SubmitInput{DocumentIDs: []string{"doc-1"}}},
		{name: "unknown document", input: SubmitInput{DocumentIDs: []string{"nope"}, GuidelineSet: "set-a"}},
		{name: "unknown set", input: SubmitInput{DocumentIDs: []string{"doc-1"}, GuidelineSet: "set-z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Submit(ctx, tt.input); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	// Validation failures must not leave a record behind.
	jobs, err := env.repo.List(ctx, 100, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs after failed validation, got %d", len(jobs))
	}
}

func TestGuidelinesJobCompletesWithReport(t *testing.T) {
	env := newTestEnv(t)
	env.llm.responses["Retention"] = `{"result": 1, "explanation": "kept seven years", "location": "s4", "quote": "retained for seven years"}`
	env.llm.responses["Encryption"] = `{"result": 0, "explanation": "plaintext backups"}`
	env.llm.responses["Access"] = `{"result": -1, "explanation": "not addressed"}`

	job, err := env.svc.Submit(context.Background(), SubmitInput{
		DocumentIDs:  []string{"doc-1"},
		GuidelineSet: "set-a",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.State != StateQueued {
		t.Fatalf("expected queued at submit, got %s", job.State)
	}
	if len(job.Slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(job.Slots))
	}

	final := waitForTerminal(t, env.repo, job.ID)
	if final.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", final.State, final.ErrorMessage)
	}
	for _, slot := range final.Slots {
		if slot.Status != SlotDone {
			t.Fatalf("slot %s not done: %s", slot.GuidelineID, slot.Status)
		}
		if slot.FinishedAt == nil {
			t.Fatalf("slot %s missing finishedAt", slot.GuidelineID)
		}
	}
	if final.Slots[0].ResultCode != ResultCompliant ||
		final.Slots[1].ResultCode != ResultNonCompliant ||
		final.Slots[2].ResultCode != ResultUnknown {
		t.Fatalf("unexpected result codes: %+v", final.Slots)
	}
	if final.Slots[0].QuotedExcerpt != "retained for seven years" {
		t.Fatalf("expected quote preserved, got %q", final.Slots[0].QuotedExcerpt)
	}

	if final.Report == nil {
		t.Fatalf("expected report")
	}
	want := Report{Compliant: 1, NonCompliant: 1, Unknown: 1, Total: 3}
	if *final.Report != want {
		t.Fatalf("report = %+v, want %+v", *final.Report, want)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatalf("expected lifecycle timestamps, got %+v", final)
	}

	env.llm.mu.Lock()
	registered, released := env.llm.registered, env.llm.released
	env.llm.mu.Unlock()
	if registered == 0 || registered != released {
		t.Fatalf("provider files leaked: registered=%d released=%d", registered, released)
	}
}

func TestSlotErrorDoesNotFailJob(t *testing.T) {
	env := newTestEnv(t)
	env.llm.responses["Retention"] = `{"result": 1, "explanation": "ok"}`
	env.llm.errs["Encryption"] = errors.New("provider rejected request")
	env.llm.responses["Access"] = `{"result": 1, "explanation": "ok"}`

	job, err := env.svc.Submit(context.Background(), SubmitInput{
		DocumentIDs:  []string{"doc-1"},
		GuidelineSet: "set-a",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, env.repo, job.ID)
	if final.State != StateCompleted {
		t.Fatalf("a single slot failure must not fail the job, got %s", final.State)
	}

	var errored *GuidelineResult
	for i := range final.Slots {
		if final.Slots[i].GuidelineID == "g2" {
			errored = &final.Slots[i]
		}
	}
	if errored == nil || errored.Status != SlotError {
		t.Fatalf("expected g2 errored, got %+v", final.Slots)
	}
	if errored.ErrorMessage == nil || !strings.Contains(*errored.ErrorMessage, "provider rejected request") {
		t.Fatalf("expected slot error message, got %v", errored.ErrorMessage)
	}
	if errored.ResultCode != "" {
		t.Fatalf("errored slot must not carry a result code")
	}

	want := Report{Compliant: 2, Errored: 1, Total: 3}
	if final.Report == nil || *final.Report != want {
		t.Fatalf("report = %+v, want %+v", final.Report, want)
	}
}

func TestPromptModeStoresCombinedResult(t *testing.T) {
	env := newTestEnv(t)
	env.llm.responses["prompt"] = `{"result": 0, "explanation": "missing clause", "location": "p1"}`

	job, err := env.svc.Submit(context.Background(), SubmitInput{
		DocumentIDs: []string{"doc-1"},
		Prompt:      "Does the contract name a data processor?",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Mode != ModePrompt {
		t.Fatalf("expected prompt mode, got %s", job.Mode)
	}
	if len(job.Slots) != 0 {
		t.Fatalf("prompt jobs must not have slots")
	}

	final := waitForTerminal(t, env.repo, job.ID)
	if final.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", final.State, final.ErrorMessage)
	}
	if final.CombinedResult == nil {
		t.Fatalf("expected combined result")
	}
	if final.CombinedResult["resultCode"] != ResultNonCompliant {
		t.Fatalf("unexpected combined result: %+v", final.CombinedResult)
	}
	if final.CombinedResult["location"] != "p1" {
		t.Fatalf("expected location kept: %+v", final.CombinedResult)
	}
}

func TestPromptModeWrapsFreeText(t *testing.T) {
	env := newTestEnv(t)
	env.llm.responses["prompt"] = "The contract names Acme Corp as processor."

	job, err := env.svc.Submit(context.Background(), SubmitInput{
		DocumentIDs: []string{"doc-1"},
		Prompt:      "Who is the processor?",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, env.repo, job.ID)
	if final.State != StateCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}
	if final.CombinedResult["rawText"] != "The contract names Acme Corp as processor." {
		t.Fatalf("expected rawText wrapper, got %+v", final.CombinedResult)
	}
}

func TestProcessJobRejectsDoubleExecution(t *testing.T) {
	env := newTestEnv(t)
	env.svc.active.Store("job-1", struct{}{})

	if err := env.svc.ProcessJob(context.Background(), "job-1"); !errors.Is(err, ErrJobActive) {
		t.Fatalf("expected ErrJobActive, got %v", err)
	}
}

func TestProcessJobFailsWhenStorageBroken(t *testing.T) {
	env := newTestEnv(t)
	// The document record exists but the object is gone.
	env.store.mu.Lock()
	env.store.files = map[string][]byte{}
	env.store.mu.Unlock()

	job := Job{
		ID:          "job-broken",
		Mode:        ModeGuidelines,
		State:       StateQueued,
		DocumentIDs: []string{"doc-1"},
		Slots:       []GuidelineResult{pendingSlot("g1", 0)},
		CreatedAt:   time.Now().UTC(),
	}
	if err := env.repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := env.svc.ProcessJob(context.Background(), job.ID)
	if err == nil {
		t.Fatalf("expected error")
	}

	final, _ := env.repo.GetByID(context.Background(), job.ID)
	if final.State != StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.ErrorMessage == nil || !strings.HasPrefix(*final.ErrorMessage, ErrorCodeStorage+": ") {
		t.Fatalf("expected storage error code, got %v", final.ErrorMessage)
	}
	if final.CompletedAt == nil {
		t.Fatalf("failed job must carry completedAt")
	}
}

// A redelivered execution request for a finished job must be a no-op: queue
// consumers deliver at least once, and a second delivery must not flip the
// state back to running, re-register documents, or overwrite the stored
// result.
func TestProcessJobSkipsRedeliveredTerminalJob(t *testing.T) {
	env := newTestEnv(t)
	env.llm.responses["prompt"] = `{"result": 1, "explanation": "second run"}`

	completedAt := time.Now().UTC()
	job := Job{
		ID:          "job-finished",
		Mode:        ModePrompt,
		State:       StateCompleted,
		Prompt:      "who is the data processor?",
		DocumentIDs: []string{"doc-1"},
		CombinedResult: map[string]any{
			"resultCode":  ResultNonCompliant,
			"explanation": "first run",
		},
		CompletedAt: &completedAt,
		CreatedAt:   completedAt.Add(-time.Minute),
	}
	if err := env.repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := env.svc.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("ProcessJob on finished job: %v", err)
	}

	final, err := env.repo.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.State != StateCompleted {
		t.Fatalf("finished job state changed to %s", final.State)
	}
	if final.CombinedResult["resultCode"] != ResultNonCompliant ||
		final.CombinedResult["explanation"] != "first run" {
		t.Fatalf("stored result was overwritten: %+v", final.CombinedResult)
	}
	if labels := env.llm.invokedLabels(); len(labels) != 0 {
		t.Fatalf("remote provider invoked for a finished job: %v", labels)
	}
	if env.llm.registered != 0 {
		t.Fatalf("documents re-registered for a finished job")
	}
}

func TestStale(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	old := now.Add(-5 * time.Minute)
	recent := now.Add(-5 * time.Second)

	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{name: "running old heartbeat", job: Job{State: StateRunning, HeartbeatAt: &old}, want: true},
		{name: "running fresh heartbeat", job: Job{State: StateRunning, HeartbeatAt: &recent}, want: false},
		{name: "running no heartbeat old start", job: Job{State: StateRunning, StartedAt: &old}, want: true},
		{name: "running no signal", job: Job{State: StateRunning}, want: false},
		{name: "queued never stale", job: Job{State: StateQueued, HeartbeatAt: &old}, want: false},
		{name: "completed never stale", job: Job{State: StateCompleted, HeartbeatAt: &old}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.svc.Stale(tt.job, now); got != tt.want {
				t.Fatalf("Stale = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: context.DeadlineExceeded, want: ErrorCodeLLMTimeout},
		{err: errors.New("openai request timeout after 20m"), want: ErrorCodeLLMTimeout},
		{err: errors.New("llm analyze: response empty"), want: ErrorCodeLLMResponse},
		{err: errors.New("document open id=doc-1: gone"), want: ErrorCodeStorage},
		{err: errors.New("set report failed: write"), want: ErrorCodeStorage},
		{err: errors.New("validation failed: bad input"), want: ErrorCodeValidation},
		{err: errors.New("panic: nil pointer"), want: ErrorCodeInternal},
		{err: nil, want: ErrorCodeInternal},
	}
	for _, tt := range tests {
		if got := classifyFailure(tt.err); got != tt.want {
			t.Fatalf("classifyFailure(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestRetryingLLMRetriesOnceOnTransientError(t *testing.T) {
	calls := 0
	base := &scriptedLLM{invoke: func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("http status 503: server_error")
		}
		return `{"result": 1, "explanation": "ok"}`, nil
	}}

	client := newRetryingLLM(base, "job-1", "g1", "req-1")
	resp, err := client.Invoke(context.Background(), llmRequestForTest())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
	if !strings.Contains(resp, `"result": 1`) {
		t.Fatalf("unexpected response: %q", resp)
	}
}

func TestRetryingLLMDoesNotRetryPermanentError(t *testing.T) {
	calls := 0
	base := &scriptedLLM{invoke: func() (string, error) {
		calls++
		return "", errors.New("invalid request: bad model")
	}}

	client := newRetryingLLM(base, "job-1", "g1", "req-1")
	if _, err := client.Invoke(context.Background(), llmRequestForTest()); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected no retry, got %d calls", calls)
	}
}

func TestSanitizeError(t *testing.T) {
	err := errors.New("line one\nline two\r\n  ")
	if got := sanitizeError(err); strings.ContainsAny(got, "\n\r") {
		t.Fatalf("newlines survived: %q", got)
	}
	long := strings.Repeat("x", 600)
	if got := sanitizeError(errors.New(long)); len(got) != 500 {
		t.Fatalf("expected 500-char cap, got %d", len(got))
	}
}
