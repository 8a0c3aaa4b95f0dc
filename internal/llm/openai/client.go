package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"compliance-backend/internal/llm"
)

const (
	filesURL     = "https://api.openai.com/v1/files"
	responsesURL = "https://api.openai.com/v1/responses"

	// Reasoning models routinely take many minutes per call on long
	// regulatory documents; the default must outlast the slowest expected
	// response.
	defaultTimeout = 35 * time.Minute
)

// Client implements llm.Client using the OpenAI Files and Responses APIs.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient constructs a new OpenAI client.
func NewClient(apiKey, model string) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	timeout := defaultTimeout
	if raw := strings.TrimSpace(os.Getenv("OPENAI_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type responsesRequest struct {
	Model     string         `json:"model"`
	Reasoning *reasoning     `json:"reasoning,omitempty"`
	Input     []inputMessage `json:"input"`
}

type reasoning struct {
	Effort string `json:"effort"`
}

type inputMessage struct {
	Role    string      `json:"role"`
	Content []inputPart `json:"content"`
}

type inputPart struct {
	Type   string `json:"type"`
	FileID string `json:"file_id,omitempty"`
	Text   string `json:"text,omitempty"`
}

type responsesResponse struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Output []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type fileResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Invoke runs one Responses API call referencing previously registered files
// and returns the flattened output text.
func (c *Client) Invoke(ctx context.Context, req llm.Request) (string, error) {
	parts := make([]inputPart, 0, len(req.FileHandles)+1)
	for _, handle := range req.FileHandles {
		parts = append(parts, inputPart{Type: "input_file", FileID: handle})
	}
	parts = append(parts, inputPart{Type: "input_text", Text: req.Instructions})

	body := responsesRequest{
		Model: c.model,
		Input: []inputMessage{{Role: "user", Content: parts}},
	}
	if strings.TrimSpace(req.ReasoningEffort) != "" {
		body.Reasoning = &reasoning{Effort: req.ReasoningEffort}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responsesURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return "", fmt.Errorf("openai request timeout: %w", err)
		}
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var parsed responsesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("openai response parse: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("openai error: %s (%s)", parsed.Error.Message, parsed.Error.Type)
	}

	var b strings.Builder
	for _, item := range parsed.Output {
		for _, content := range item.Content {
			if content.Text != "" {
				b.WriteString(content.Text)
			}
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("openai response empty output")
	}
	logUsage(c.model, req.Label, &parsed)
	return out, nil
}

// RegisterFile uploads a document so the model can reference it, returning
// the provider file ID.
func (c *Client) RegisterFile(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "user_data"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, filesURL, &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai file upload: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var parsed fileResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("openai file response parse: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("openai file error: %s (%s)", parsed.Error.Message, parsed.Error.Type)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("openai file response missing id")
	}
	return parsed.ID, nil
}

// ReleaseFile deletes a previously uploaded file. Failures are reported but
// callers treat cleanup as best-effort.
func (c *Client) ReleaseFile(ctx context.Context, handle string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, filesURL+"/"+handle, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai file delete: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("openai file delete: status %d", resp.StatusCode)
	}
	return nil
}

func logUsage(model, label string, resp *responsesResponse) {
	if resp.Usage == nil {
		log.Printf("llm response model=%s label=%q", model, label)
		return
	}
	log.Printf("llm response model=%s label=%q input_tokens=%d output_tokens=%d total_tokens=%d",
		model, label, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens)
}

var _ llm.Client = (*Client)(nil)
