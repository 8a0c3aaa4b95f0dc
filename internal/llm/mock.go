package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// MockClient serves canned responses from a JSON file keyed by request label,
// so the full pipeline can run without spending real inference calls.
//
// File format:
//
//	{"<label>": {"result": 1, "explanation": "..."}}
type MockClient struct {
	responses map[string]mockResponse
	fallback  string
	seq       atomic.Uint64
}

type mockResponse struct {
	Result      int    `json:"result"`
	Explanation string `json:"explanation"`
	Location    string `json:"location,omitempty"`
	Quote       string `json:"quote,omitempty"`
}

// NewMockClient loads canned responses from path. A missing file yields a
// client that answers everything with an unknown verdict.
func NewMockClient(path string) (*MockClient, error) {
	client := &MockClient{
		responses: map[string]mockResponse{},
		fallback:  `{"result": -1, "explanation": "no mock response configured"}`,
	}
	if path == "" {
		return client, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return client, nil
		}
		return nil, fmt.Errorf("read mock responses: %w", err)
	}
	if err := json.Unmarshal(data, &client.responses); err != nil {
		return nil, fmt.Errorf("parse mock responses: %w", err)
	}
	return client, nil
}

// Invoke returns the canned response for the request label.
func (m *MockClient) Invoke(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, ok := m.responses[req.Label]
	if !ok {
		return m.fallback, nil
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// RegisterFile drains the reader and returns a synthetic handle.
func (m *MockClient) RegisterFile(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("mock-file-%d", m.seq.Add(1)), nil
}

// ReleaseFile is a no-op for the mock.
func (m *MockClient) ReleaseFile(ctx context.Context, handle string) error {
	_ = handle
	return ctx.Err()
}

var _ Client = (*MockClient)(nil)
