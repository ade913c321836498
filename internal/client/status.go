package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evebus/eve/internal/server"
)

// StatusClient reads the broadcaster's HTTP endpoints.
type StatusClient struct {
	baseURL string
	client  *http.Client
}

// NewStatusClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:7070").
func NewStatusClient(baseURL string) *StatusClient {
	return &StatusClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Health fetches /healthz.
func (c *StatusClient) Health(ctx context.Context) (*server.Health, error) {
	var h server.Health
	if err := c.get(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Files fetches /api/files.
func (c *StatusClient) Files(ctx context.Context) (*server.FileList, error) {
	var l server.FileList
	if err := c.get(ctx, "/api/files", &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *StatusClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
