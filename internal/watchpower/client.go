package watchpower

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidResponse is returned when a 2xx body does not carry the
	// expected envelope.
	ErrInvalidResponse = errors.New("invalid response format")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("not found")
)

// Client reads the dashboard API: samples, daily series and the inverter list.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Sample fetches GET /inverters/{id}.
func (c *Client) Sample(ctx context.Context, id string) (*Sample, error) {
	var payload SampleResponse
	if err := c.GetJSON(ctx, "/inverters/"+url.PathEscape(id), &payload); err != nil {
		return nil, err
	}
	if !payload.Success || payload.Data == nil {
		return nil, ErrInvalidResponse
	}
	return payload.Data, nil
}

// Daily fetches GET /inverters/{id}/daily.
func (c *Client) Daily(ctx context.Context, id string) (*DailySeries, error) {
	var payload DailyResponse
	if err := c.GetJSON(ctx, "/inverters/"+url.PathEscape(id)+"/daily", &payload); err != nil {
		return nil, err
	}
	if !payload.Success || payload.Rows == nil {
		return nil, fmt.Errorf("daily: %w", ErrInvalidResponse)
	}
	return &DailySeries{Titles: payload.Titles, Rows: payload.Rows}, nil
}

// Inverters fetches GET /inverters.
func (c *Client) Inverters(ctx context.Context) ([]InverterConfig, error) {
	var payload InvertersResponse
	if err := c.GetJSON(ctx, "/inverters", &payload); err != nil {
		return nil, err
	}
	if !payload.Success || payload.Inverters == nil {
		return nil, fmt.Errorf("inverters: %w", ErrInvalidResponse)
	}
	return payload.Inverters, nil
}

// GetJSON issues a GET against path and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("failed to fetch %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to fetch %s: %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w: %v", path, ErrInvalidResponse, err)
	}
	return nil
}
