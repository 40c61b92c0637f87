package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to the backend's row-CRUD API over HTTP with JSON bodies.
//
// Paths follow the shape:
//
//	PUT    {base}/tables/{table}/rows/{id}    insert/update (upsert)
//	DELETE {base}/tables/{table}/rows/{id}
//	GET    {base}/tables/{table}/rows/{id}
//	GET    {base}/health                      connectivity probe
//
// Every request is bounded by the configured timeout so a hung connection
// cannot stall an entire sync pass.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPConfig configures the HTTP backend client.
type HTTPConfig struct {
	// BaseURL is the backend root, e.g. "https://api.example.org/v1".
	BaseURL string

	// Token is sent as a bearer token when non-empty.
	Token string

	// Timeout bounds each request (default: 15s).
	Timeout time.Duration
}

// NewHTTPClient creates a backend client for the given configuration.
// Callers are expected to have validated the base URL; requests against an
// empty or malformed one fail with a normal request error.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// rowEnvelope is the wire shape of a row.
type rowEnvelope struct {
	ID         string         `json:"id"`
	Payload    map[string]any `json:"payload"`
	ModifiedAt time.Time      `json:"modified_at"`
}

// Insert writes a new row. The backend upserts, so a retried insert is safe.
func (c *HTTPClient) Insert(ctx context.Context, table, id string, payload map[string]any) error {
	return c.put(ctx, table, id, payload)
}

// Update writes changed fields of a row. The backend upserts.
func (c *HTTPClient) Update(ctx context.Context, table, id string, payload map[string]any) error {
	return c.put(ctx, table, id, payload)
}

func (c *HTTPClient) put(ctx context.Context, table, id string, payload map[string]any) error {
	body, err := json.Marshal(map[string]any{"payload": payload})
	if err != nil {
		return fmt.Errorf("failed to marshal row payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.rowURL(table, id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", table, id, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("write %s/%s: server returned %s", table, id, resp.Status)
	}
	return nil
}

// Delete removes a row. A 404 counts as success: the row is already gone.
func (c *HTTPClient) Delete(ctx context.Context, table, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.rowURL(table, id), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("delete %s/%s: server returned %s", table, id, resp.Status)
	}
	return nil
}

// Get fetches a row by id, or ErrNotFound.
func (c *HTTPClient) Get(ctx context.Context, table, id string) (*Row, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.rowURL(table, id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s/%s: %w", table, id, err)
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s/%s: server returned %s", table, id, resp.Status)
	}

	var env rowEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode row %s/%s: %w", table, id, err)
	}

	return &Row{ID: env.ID, Payload: env.Payload, ModifiedAt: env.ModifiedAt}, nil
}

// Health probes the backend's health endpoint. A nil return means the
// backend is reachable.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *HTTPClient) rowURL(table, id string) string {
	return fmt.Sprintf("%s/tables/%s/rows/%s", c.baseURL, url.PathEscape(table), url.PathEscape(id))
}

func (c *HTTPClient) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// drain discards and closes the response body so connections are reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
