package llm

import (
	"context"
	"errors"
	"io"
)

// Request captures one invocation of the remote inference capability.
type Request struct {
	// FileHandles are opaque references returned by RegisterFile, forwarded
	// as-is; the core never inspects document bytes.
	FileHandles []string
	// Instructions is the full instruction text for this call.
	Instructions string
	// ReasoningEffort is the provider's reasoning-depth setting (low, medium,
	// high).
	ReasoningEffort string
	// Label identifies the analysis for logging and mock routing, typically
	// the guideline title.
	Label string
}

// Client abstracts the remote inference capability. Invoke may block for
// minutes; callers own timeout policy via ctx.
type Client interface {
	Invoke(ctx context.Context, req Request) (string, error)
	RegisterFile(ctx context.Context, name string, r io.Reader) (string, error)
	ReleaseFile(ctx context.Context, handle string) error
}

// ErrNotImplemented is returned by the placeholder client.
var ErrNotImplemented = errors.New("LLM not implemented")

// PlaceholderClient is a stub implementation until provider wiring is added.
type PlaceholderClient struct{}

// Invoke returns ErrNotImplemented.
func (PlaceholderClient) Invoke(ctx context.Context, req Request) (string, error) {
	_ = ctx
	_ = req
	return "", ErrNotImplemented
}

// RegisterFile returns ErrNotImplemented.
func (PlaceholderClient) RegisterFile(ctx context.Context, name string, r io.Reader) (string, error) {
	_ = ctx
	_ = name
	_ = r
	return "", ErrNotImplemented
}

// ReleaseFile returns ErrNotImplemented.
func (PlaceholderClient) ReleaseFile(ctx context.Context, handle string) error {
	_ = ctx
	_ = handle
	return ErrNotImplemented
}
