// Package remote implements the authenticated REST client for the client
// system: connectivity probe, batch reading upload and agent heartbeat.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/metergrid/syncagent/internal/model"
)

const maxErrorBodyBytes = 512

// Client talks to the client system's REST surface. One Client (and its
// underlying *http.Client) is shared by the connectivity monitor, the
// upload manager and the heartbeat task. The API key arrives only after
// the first downstream tenant sync, so it is set post-construction.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// New creates a Client for the given base URL. timeout bounds every
// request end-to-end.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetAPIKey installs the tenant's API key for subsequent calls. The key
// must be a valid HTTP header field value.
func (c *Client) SetAPIKey(key string) error {
	if key != "" && !httpguts.ValidHeaderFieldValue(key) {
		return fmt.Errorf("remote: api key contains invalid header characters")
	}
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
	return nil
}

// HasAPIKey reports whether an API key has been configured.
func (c *Client) HasAPIKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey != ""
}

func (c *Client) currentAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Ping probes the client system's health endpoint. Any 2xx means
// reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

// uploadRequest is the wire shape of POST /readings/batch.
type uploadRequest struct {
	TenantID int64            `json:"tenant_id"`
	Readings []map[string]any `json:"readings"`
}

// uploadResponse is the success reply of POST /readings/batch.
type uploadResponse struct {
	Success          bool `json:"success"`
	RecordsProcessed int  `json:"records_processed"`
}

// UploadReadings ships one batch of readings and returns the number of
// records the server acknowledged. Each reading flattens its field values
// next to the identity columns, matching the wide-row shape the server
// ingests.
func (c *Client) UploadReadings(ctx context.Context, tenantID int64, readings []model.ReadingRow) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	body := uploadRequest{
		TenantID: tenantID,
		Readings: make([]map[string]any, 0, len(readings)),
	}
	for _, r := range readings {
		rec := make(map[string]any, len(r.Fields)+3)
		rec["meter_id"] = r.MeterID
		rec["meter_element_id"] = r.ElementID
		rec["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
		for field, value := range r.Fields {
			rec[field] = value
		}
		body.Readings = append(body.Readings, rec)
	}

	raw, err := c.do(ctx, http.MethodPost, "/readings/batch", body)
	if err != nil {
		return 0, err
	}

	var resp uploadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("remote: decode upload response: %w", err)
	}
	if !resp.Success {
		return 0, fmt.Errorf("remote: upload not acknowledged by server")
	}
	return resp.RecordsProcessed, nil
}

// heartbeatRequest is the wire shape of POST /agents/heartbeat.
type heartbeatRequest struct {
	TenantID  int64            `json:"tenant_id"`
	Timestamp string           `json:"timestamp"`
	Counters  map[string]int64 `json:"counters,omitempty"`
}

// Heartbeat reports the agent's liveness and coarse counters.
func (c *Client) Heartbeat(ctx context.Context, tenantID int64, counters map[string]int64) error {
	body := heartbeatRequest{
		TenantID:  tenantID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Counters:  counters,
	}
	_, err := c.do(ctx, http.MethodPost, "/agents/heartbeat", body)
	return err
}

// do issues one authenticated request and returns the response body.
// A missing API key fails before any network I/O; a non-2xx reply becomes
// a *StatusError carrying a capped body excerpt.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	key := c.currentAPIKey()
	if key == "" {
		return nil, ErrNoAPIKey
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read response: %w", err)
	}
	return raw, nil
}
