package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/procrelay/procrelay/internal/event"
)

// HTTPClient makes REST calls to the relay.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type processesResponse struct {
	Processes []event.Process `json:"processes"`
	Timestamp *time.Time      `json:"timestamp"`
}

// Processes fetches /api/processes. The time is zero when the relay has no
// snapshot yet.
func (c *HTTPClient) Processes(ctx context.Context) ([]event.Process, time.Time, error) {
	var resp processesResponse
	if err := c.get(ctx, "/api/processes", &resp); err != nil {
		return nil, time.Time{}, err
	}
	var at time.Time
	if resp.Timestamp != nil {
		at = *resp.Timestamp
	}
	return resp.Processes, at, nil
}

type logsResponse struct {
	Logs []event.LogEntry `json:"logs"`
}

// RecentLogs fetches /api/logs for one process, or all when processID is nil.
func (c *HTTPClient) RecentLogs(ctx context.Context, processID *int, limit int) ([]event.LogEntry, error) {
	q := url.Values{}
	if processID != nil {
		q.Set("processId", strconv.Itoa(*processID))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp logsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
