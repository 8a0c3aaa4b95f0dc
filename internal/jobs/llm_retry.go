package jobs

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"compliance-backend/internal/llm"
)

const llmRetryBaseDelay = 300 * time.Millisecond

// retryingLLM retries a single time on transient transport failures. Remote
// calls are expensive enough that anything beyond one retry belongs to the
// recovery path, not the call path.
type retryingLLM struct {
	base        llm.Client
	requestID   string
	jobID       string
	guidelineID string
}

func newRetryingLLM(base llm.Client, jobID, guidelineID, requestID string) llm.Client {
	if base == nil {
		return nil
	}
	return retryingLLM{
		base:        base,
		requestID:   requestID,
		jobID:       jobID,
		guidelineID: guidelineID,
	}
}

func (r retryingLLM) Invoke(ctx context.Context, req llm.Request) (string, error) {
	resp, err := r.base.Invoke(ctx, req)
	if err == nil || !shouldRetryLLM(err) {
		return resp, err
	}

	log.Printf("llm retry attempt=1 request_id=%s job_id=%s guideline_id=%s error=%s",
		r.requestID, r.jobID, r.guidelineID, sanitizeError(err))
	select {
	case <-time.After(llmRetryBaseDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return r.base.Invoke(ctx, req)
}

func (r retryingLLM) RegisterFile(ctx context.Context, name string, rd io.Reader) (string, error) {
	return r.base.RegisterFile(ctx, name, rd)
}

func (r retryingLLM) ReleaseFile(ctx context.Context, handle string) error {
	return r.base.ReleaseFile(ctx, handle)
}

func shouldRetryLLM(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http status 5") || strings.Contains(msg, "server_error") {
		return true
	}
	if strings.Contains(msg, "timeout") && (strings.Contains(msg, "openai") || strings.Contains(msg, "llm") || strings.Contains(msg, "client.timeout")) {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "eof") {
		return true
	}

	return false
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
