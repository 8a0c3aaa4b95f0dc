package workerproc

import (
	"context"
	"errors"
	"testing"

	"compliance-backend/internal/bootstrap"
	"compliance-backend/internal/queue"
)

type stubProcessor struct {
	err    error
	jobIDs []string
}

func (s *stubProcessor) ProcessJob(ctx context.Context, jobID string) error {
	_ = ctx
	s.jobIDs = append(s.jobIDs, jobID)
	return s.err
}

func TestParseMessageEmptyBody(t *testing.T) {
	_, meta, err := ParseMessage("   ")
	var emptyErr ErrEmptyBody
	if !errors.As(err, &emptyErr) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
	if meta.BodyLen != 3 {
		t.Fatalf("unexpected meta: %+v", meta)
	}
}

func TestParseMessageDecodeFailure(t *testing.T) {
	_, meta, err := ParseMessage("{bad-json")
	var decodeErr ErrDecode
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if meta.BodySHA == "" {
		t.Fatalf("expected body hash for diagnostics")
	}
}

func TestParseMessageMissingJobID(t *testing.T) {
	body, _ := queue.EncodeMessage(queue.Message{RequestID: "req-1", Version: 1})
	_, _, err := ParseMessage(string(body))
	var missingErr ErrMissingJobID
	if !errors.As(err, &missingErr) {
		t.Fatalf("expected ErrMissingJobID, got %v", err)
	}
	if missingErr.RequestID != "req-1" {
		t.Fatalf("expected request id carried, got %q", missingErr.RequestID)
	}
}

func TestParseMessageValid(t *testing.T) {
	body, _ := queue.EncodeMessage(queue.Message{JobID: "job-1", RequestID: "req-1", Version: 1})
	msg, meta, err := ParseMessage(string(body))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.JobID != "job-1" || msg.RequestID != "req-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if meta.BodyLen != len(body) {
		t.Fatalf("unexpected meta: %+v", meta)
	}
}

func TestHandleMessageProcessesJob(t *testing.T) {
	proc := &stubProcessor{}
	app := &bootstrap.App{JobProcessor: proc}
	body, _ := queue.EncodeMessage(queue.Message{JobID: "job-1", RequestID: "req-1", Version: 1})

	if err := HandleMessage(context.Background(), app, string(body)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(proc.jobIDs) != 1 || proc.jobIDs[0] != "job-1" {
		t.Fatalf("processor not invoked correctly: %v", proc.jobIDs)
	}
}

func TestHandleMessageWrapsProcessingError(t *testing.T) {
	proc := &stubProcessor{err: errors.New("boom")}
	app := &bootstrap.App{JobProcessor: proc}
	body, _ := queue.EncodeMessage(queue.Message{JobID: "job-2", RequestID: "req-2", Version: 1})

	err := HandleMessage(context.Background(), app, string(body))
	var procErr ErrProcess
	if !errors.As(err, &procErr) {
		t.Fatalf("expected ErrProcess, got %v", err)
	}
	if procErr.JobID != "job-2" || procErr.RequestID != "req-2" {
		t.Fatalf("unexpected ErrProcess: %+v", procErr)
	}
}

func TestHandleMessageReusesParsedMessage(t *testing.T) {
	proc := &stubProcessor{}
	app := &bootstrap.App{JobProcessor: proc}

	ctx := WithParsedMessage(context.Background(), queue.Message{JobID: "job-3", RequestID: "req-3"})
	// Body is garbage; the pre-parsed message must win.
	if err := HandleMessage(ctx, app, "{bad-json"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(proc.jobIDs) != 1 || proc.jobIDs[0] != "job-3" {
		t.Fatalf("expected pre-parsed job id, got %v", proc.jobIDs)
	}
}

func TestHandleMessageWithoutProcessor(t *testing.T) {
	if err := HandleMessage(context.Background(), nil, "{}"); err == nil {
		t.Fatalf("expected error for nil app")
	}
	if err := HandleMessage(context.Background(), &bootstrap.App{}, "{}"); err == nil {
		t.Fatalf("expected error for unconfigured processor")
	}
}
