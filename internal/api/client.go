package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the hub's HTTP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) JobState(jobID string) (*JobStateResponse, error) {
	var resp JobStateResponse
	if err := c.get("/jobs/"+jobID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Runners() ([]RunnerInfo, error) {
	var resp []RunnerInfo
	if err := c.get("/runners", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Stats() (*QueueStats, error) {
	var resp QueueStats
	if err := c.get("/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Health() error {
	return c.get("/health", nil)
}

func (c *Client) get(path string, result interface{}) error {
	resp, err := c.HTTPClient.Get(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}
