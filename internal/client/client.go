// Package client is a thin HTTP client for the pipeline API, used by the
// CLI commands that talk to a running server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stormguard/stormguard/internal/approval"
	"github.com/stormguard/stormguard/internal/audit"
	"github.com/stormguard/stormguard/internal/model"
)

// DefaultAddr is where the local server listens unless configured otherwise.
const DefaultAddr = "http://127.0.0.1:8085"

// Client talks to a stormguard HTTP server.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the given base URL.
func New(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Trigger submits a disruption event and returns the new run ID.
func (c *Client) Trigger(ctx context.Context, eventType string, severity int, payload map[string]any) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/events", map[string]any{
		"type":     eventType,
		"severity": severity,
		"payload":  payload,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.RunID, nil
}

// Status fetches the current state of a run.
func (c *Client) Status(ctx context.Context, runID string) (*model.PipelineRun, error) {
	var run model.PipelineRun
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+runID, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Pending lists approval requests awaiting a decision.
func (c *Client) Pending(ctx context.Context) ([]approval.Request, error) {
	var reqs []approval.Request
	if err := c.do(ctx, http.MethodGet, "/api/v1/approvals", nil, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// Decide applies a human decision to a suspended run.
func (c *Client) Decide(ctx context.Context, runID, decision, decidedBy, note string) (*model.PipelineRun, error) {
	var run model.PipelineRun
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/runs/%s/decision", runID), map[string]string{
		"decision":   decision,
		"decided_by": decidedBy,
		"note":       note,
	}, &run)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Cancel aborts a run.
func (c *Client) Cancel(ctx context.Context, runID, reason string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/runs/%s/cancel", runID), map[string]string{
		"reason": reason,
	}, nil)
}

// Audit fetches a run's audit trail.
func (c *Client) Audit(ctx context.Context, runID string) ([]audit.Entry, error) {
	var out struct {
		Entries []audit.Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/runs/%s/audit", runID), nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
