package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sicko7947/talkflow"
)

const maxWebhookResponse = 1 << 20

// WebhookBackend runs `webhook` steps: one HTTP request, non-2xx fails
type WebhookBackend struct {
	client *http.Client
}

// NewWebhookBackend creates the `webhook` backend. A nil client uses
// http.DefaultClient.
func NewWebhookBackend(client *http.Client) *WebhookBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookBackend{client: client}
}

func (b *WebhookBackend) Type() talkflow.StepType { return talkflow.StepWebhook }
func (b *WebhookBackend) Timeout() time.Duration  { return 30 * time.Second }

func (b *WebhookBackend) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url":         map[string]any{"type": "string", "pattern": "^https?://"},
			"method":      map[string]any{"type": "string", "enum": []any{"POST", "PUT", "PATCH", "GET", "post", "put", "patch", "get"}},
			"headers":     map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
			"body":        map[string]any{},
			"contentType": map[string]any{"type": "string"},
		},
	}
}

func (b *WebhookBackend) Execute(ctx *talkflow.StepContext, input map[string]any) (*Result, error) {
	method := strings.ToUpper(stringOf(input, "method"))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	contentType := stringOf(input, "contentType")
	switch v := input["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(v)
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode webhook body: %w", err)
		}
		body = bytes.NewReader(data)
		if contentType == "" {
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, stringOf(input, "url"), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range stringMapOf(input, "headers") {
		req.Header.Set(key, value)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	ctx.Logger.Debug().
		Str("method", method).
		Int("status_code", resp.StatusCode).
		Msg("Webhook delivered")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return &Result{Output: string(respBody)}, nil
}
