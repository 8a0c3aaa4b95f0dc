package jobs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"compliance-backend/internal/documents"
	"compliance-backend/internal/guidelines"
	"compliance-backend/internal/llm"
	"compliance-backend/internal/queue"
)

const testLibraryXML = `<?xml version="1.0" encoding="UTF-8"?>
<prompt_library>
  <system_prompt>You are a compliance analyst.</system_prompt>
  <general_analysis_prompt>
    <system_prompt>Answer the question about the attached documents.</system_prompt>
  </general_analysis_prompt>
  <guideline_set id="set-a" title="Data handling">
    <guideline id="g1">
      <title>Retention</title>
      <regulation_text>Records must be retained for seven years.</regulation_text>
    </guideline>
    <guideline id="g2">
      <title>Encryption</title>
      <regulation_text>Data at rest must be encrypted.</regulation_text>
    </guideline>
    <guideline id="g3">
      <title>Access</title>
      <regulation_text>Access must be role based.</regulation_text>
    </guideline>
  </guideline_set>
</prompt_library>`

// fakeLLM serves canned responses keyed by request label and tracks provider
// file registration so tests can assert cleanup.
type fakeLLM struct {
	mu         sync.Mutex
	responses  map[string]string
	errs       map[string]error
	invoked    []string
	registered int
	released   int
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		responses: map[string]string{},
		errs:      map[string]error{},
	}
}

func (f *fakeLLM) Invoke(ctx context.Context, req llm.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.invoked = append(f.invoked, req.Label)
	err := f.errs[req.Label]
	resp, ok := f.responses[req.Label]
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if !ok {
		return `{"result": -1, "explanation": "no canned answer"}`, nil
	}
	return resp, nil
}

func (f *fakeLLM) RegisterFile(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.registered++
	handle := fmt.Sprintf("file-%d", f.registered)
	f.mu.Unlock()
	return handle, nil
}

func (f *fakeLLM) ReleaseFile(ctx context.Context, handle string) error {
	_ = handle
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeLLM) invokedLabels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invoked...)
}

// fakeStore keeps objects in memory keyed by storage key.
type fakeStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: map[string][]byte{}}
}

func (s *fakeStore) Save(ctx context.Context, fileName string, r io.Reader) (string, int64, string, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, "", err
	}
	key := "documents/" + fileName
	s.mu.Lock()
	s.files[key] = data
	s.mu.Unlock()
	return key, int64(len(data)), "application/pdf", nil
}

func (s *fakeStore) Open(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, ok := s.files[storageKey]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("object %s not found", storageKey)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// fakeQueue records enqueued messages instead of sending them anywhere.
type fakeQueue struct {
	mu   sync.Mutex
	sent []queue.Message
}

func (q *fakeQueue) Send(ctx context.Context, msg queue.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.sent = append(q.sent, msg)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) messages() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Message(nil), q.sent...)
}

// scriptedLLM delegates Invoke to a closure, for retry tests.
type scriptedLLM struct {
	invoke func() (string, error)
}

func (s *scriptedLLM) Invoke(ctx context.Context, req llm.Request) (string, error) {
	_ = ctx
	_ = req
	return s.invoke()
}

func (s *scriptedLLM) RegisterFile(ctx context.Context, name string, r io.Reader) (string, error) {
	_ = ctx
	_ = name
	_ = r
	return "scripted-file", nil
}

func (s *scriptedLLM) ReleaseFile(ctx context.Context, handle string) error {
	_ = ctx
	_ = handle
	return nil
}

func llmRequestForTest() llm.Request {
	return llm.Request{
		FileHandles:  []string{"file-1"},
		Instructions: "check the guideline",
		Label:        "Retention",
	}
}

type testEnv struct {
	svc     *Service
	repo    *MemoryRepo
	docRepo documents.Repo
	store   *fakeStore
	llm     *fakeLLM
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	library, err := guidelines.Parse([]byte(testLibraryXML))
	if err != nil {
		t.Fatalf("parse library: %v", err)
	}

	repo := NewMemoryRepo()
	docRepo := documents.NewMemoryRepo()
	store := newFakeStore()
	client := newFakeLLM()

	ctx := context.Background()
	key, size, mime, err := store.Save(ctx, "contract.pdf", bytes.NewReader([]byte("%PDF-1.7 test")))
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if err := docRepo.Create(ctx, documents.Document{
		ID:               "doc-1",
		FileName:         "contract.pdf",
		OriginalFilename: "contract.pdf",
		MimeType:         mime,
		SizeBytes:        size,
		PageCount:        1,
		StorageKey:       key,
		CreatedAt:        time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed document: %v", err)
	}

	svc := &Service{
		Repo:            repo,
		Library:         library,
		DocRepo:         docRepo,
		Store:           store,
		LLM:             client,
		Heartbeat:       NewHeartbeatMonitor(repo, 20*time.Millisecond),
		Concurrency:     2,
		Stagger:         0,
		StaleAfter:      time.Minute,
		ReasoningEffort: "low",
	}
	return &testEnv{svc: svc, repo: repo, docRepo: docRepo, store: store, llm: client}
}

func waitForTerminal(t *testing.T, repo Repo, jobID string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := repo.GetByID(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if job.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return Job{}
}
