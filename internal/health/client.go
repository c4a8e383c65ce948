package health

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client polls a relayer's liveness endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a client for base (e.g. http://127.0.0.1:10000).
func NewClient(base string) *Client {
	return NewClientWithTimeout(base, 10*time.Second)
}

// NewClientWithTimeout creates a client with a custom HTTP timeout.
func NewClientWithTimeout(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(base, "/") + "/health",
		http:     &http.Client{Timeout: timeout},
	}
}

// HTTPError is returned for a non-200 response.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("health endpoint returned %d: %s", e.Code, e.Body)
}

// Status fetches the current report.
func (c *Client) Status() (Report, error) {
	var r Report

	resp, err := c.http.Get(c.endpoint)
	if err != nil {
		return r, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return r, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return r, &HTTPError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}
