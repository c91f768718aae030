// Package client is a Go client for the tripled HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

// Client is a thin HTTP wrapper for the tripled API.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTP2 speaks cleartext HTTP/2 (h2c) to the server.
func WithHTTP2() Option {
	return func(c *Client) {
		c.HTTPClient.Transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// New creates a new tripled client.
func New(url string, opts ...Option) *Client {
	c := &Client{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Batch is the status of a submitted batch.
type Batch struct {
	ID         string     `json:"id"`
	JobID      uint64     `json:"job_id"`
	Status     string     `json:"status"`
	Statements int        `json:"statements"`
	Groups     int        `json:"groups"`
	GroupsDone int        `json:"groups_done"`
	Applied    int        `json:"statements_applied"`
	Error      string     `json:"error,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the batch has reached its final state.
func (b *Batch) Terminal() bool {
	switch b.Status {
	case "succeeded", "failed", "abandoned":
		return true
	}
	return false
}

// SubmitBatch queues an update and returns immediately.
func (c *Client) SubmitBatch(ctx context.Context, update string) (*Batch, error) {
	var result Batch
	if err := c.post(ctx, "/api/v1/batches", map[string]string{"update": update}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBatch returns a batch's status. A positive wait asks the server to hold
// the request until the batch is terminal or wait elapses.
func (c *Client) GetBatch(ctx context.Context, id string, wait time.Duration) (*Batch, error) {
	path := "/api/v1/batches/" + url.PathEscape(id)
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	var result Batch
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueryResult is a completed query.
type QueryResult struct {
	ID         uint64     `json:"id"`
	State      string     `json:"state"`
	Query      string     `json:"query"`
	IssuedAt   time.Time  `json:"issued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Results    *struct {
		Vars []string   `json:"vars"`
		Rows [][]string `json:"rows"`
	} `json:"results,omitempty"`
}

// Query runs a SELECT. timeoutMillis < 0 uses the server default; 0 runs the
// query only if it can start at once.
func (c *Client) Query(ctx context.Context, query string, timeoutMillis int) (*QueryResult, error) {
	body := map[string]any{"query": query}
	if timeoutMillis >= 0 {
		body["timeout_ms"] = timeoutMillis
	}
	var result QueryResult
	if err := c.post(ctx, "/api/v1/query", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats returns the server's coordinator statistics.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.get(ctx, "/api/v1/stats", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// HTTP helpers

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	return c.doRequest(ctx, http.MethodPost, path, body, result)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Code, apiErr.Message = payload.Code, payload.Error
		} else {
			apiErr.Code, apiErr.Message = http.StatusText(resp.StatusCode), string(data)
		}
		return apiErr
	}

	if result != nil {
		return json.Unmarshal(data, result)
	}
	return nil
}
