// Package modelclient implements the model port over a chat-completions
// style HTTP endpoint.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/blakebauman/fleetd/internal/collab"
	"github.com/blakebauman/fleetd/internal/httpkit"
)

// Client talks to a chat-completions style JSON API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a model client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		// Deadlines come from the per-call context; the client-level
		// timeout stays off so long analysis calls are not cut twice.
		httpClient: httpkit.NewClient(0),
	}
}

// chatRequest is the request format for the chat endpoint.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []collab.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Format   string           `json:"format,omitempty"`
}

// chatResponse is the response from the chat endpoint.
type chatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Run sends one chat request. When responseSchema is non-nil the backend
// is asked for JSON output and the reply is decoded into Parsed; a reply
// that fails to decode is still returned as Text so the caller can fall
// back.
func (c *Client) Run(ctx context.Context, model string, messages []collab.Message, responseSchema map[string]any) (*collab.ModelResult, error) {
	req := chatRequest{
		Model:    model,
		Messages: messages,
	}
	if responseSchema != nil {
		req.Format = "json"
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &collab.ModelResult{Text: cr.Message.Content}
	if responseSchema != nil {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(cr.Message.Content), &parsed); err == nil {
			result.Parsed = parsed
		}
	}
	return result, nil
}
