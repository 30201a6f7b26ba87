package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Client posts templated notifications to the dispatch service.
// Fire-and-forget: errors are logged, never returned to callers.
type Client struct {
	Endpoint string
	HTTP     *http.Client
	Logger   *slog.Logger
}

func NewClient(endpoint string, logger *slog.Logger) *Client {
	return &Client{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: 3 * time.Second},
		Logger:   logger,
	}
}

func (c *Client) Notify(ctx context.Context, template string, vars map[string]string) {
	body, _ := json.Marshal(map[string]any{"template": template, "vars": vars})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		c.Logger.Warn("notify request build failed", "template", template, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Logger.Warn("notify dispatch failed", "template", template, "error", err)
		return
	}
	resp.Body.Close()
}

// Nop drops notifications, for local runs without a dispatch endpoint.
type Nop struct{}

func (Nop) Notify(context.Context, string, map[string]string) {}
