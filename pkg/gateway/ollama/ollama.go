// Package ollama implements gateway.Gateway against the Ollama HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kmahone/promptrelay/pkg/domain"
	"github.com/kmahone/promptrelay/pkg/gateway"
)

// DefaultBaseURL is the address Ollama listens on out of the box.
const DefaultBaseURL = "http://localhost:11434"

// DefaultTimeout bounds a single daemon call.
const DefaultTimeout = 60 * time.Second

// reservedKeys are payload fields owned by the client. Caller-supplied
// parameters with these names are dropped rather than merged, so a caller can
// never flip streaming back on or swap the model mid-request.
var reservedKeys = map[string]bool{
	"model":    true,
	"prompt":   true,
	"messages": true,
	"stream":   true,
}

// Client talks to a single Ollama daemon. It holds no per-request state and is
// safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Verify interface compliance.
var _ gateway.Gateway = (*Client)(nil)

// New creates a Client for the daemon at baseURL. An empty baseURL falls back
// to DefaultBaseURL; a non-positive timeout falls back to DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CompleteSingle issues a non-streaming /api/generate request.
func (c *Client) CompleteSingle(ctx context.Context, model, prompt string, parameters map[string]any) (string, error) {
	payload := map[string]any{
		"model":  model,
		"prompt": prompt,
		"stream": false,
	}
	mergeParameters(payload, parameters)

	var resp struct {
		Response string `json:"response"`
	}
	if err := c.post(ctx, "generate", "/api/generate", payload, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

// CompleteChat issues a non-streaming /api/chat request over the full transcript.
func (c *Client) CompleteChat(ctx context.Context, model string, turns []domain.Turn, parameters map[string]any) (string, error) {
	payload := map[string]any{
		"model":    model,
		"messages": turns,
		"stream":   false,
	}
	mergeParameters(payload, parameters)

	var resp struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := c.post(ctx, "chat", "/api/chat", payload, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &gateway.Error{Op: op, Err: fmt.Errorf("encoding payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &gateway.Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("ollama request", "op", op, "model", payload["model"])

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &gateway.Error{Op: op, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &gateway.Error{
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(detail))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &gateway.Error{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// mergeParameters spreads caller parameters into the payload at the top level,
// dropping reserved keys.
func mergeParameters(payload, parameters map[string]any) {
	for k, v := range parameters {
		if reservedKeys[k] {
			slog.Warn("dropping reserved parameter", "key", k)
			continue
		}
		payload[k] = v
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
