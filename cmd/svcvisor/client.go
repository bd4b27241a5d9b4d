package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/svcvisor"
)

// APIClient talks to the status API of a running supervisor.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = defaultAPIUrl
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Status returns every service's status.
func (c *APIClient) Status(ctx context.Context) ([]svcvisor.ServiceStatus, error) {
	var out []svcvisor.ServiceStatus
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

// Restart restarts the owned instance of name.
func (c *APIClient) Restart(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/restart/"+url.PathEscape(name), nil)
}

// History returns up to limit recent events of name, newest first.
func (c *APIClient) History(ctx context.Context, name string, limit int) ([]svcvisor.Event, error) {
	p := "/history/" + url.PathEscape(name)
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out []svcvisor.Event
	err := c.do(ctx, http.MethodGet, p, &out)
	return out, err
}

func (c *APIClient) do(ctx context.Context, method, path string, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("API error: %s", resp.Status)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
