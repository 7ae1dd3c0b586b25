// Package tickets mirrors promotion outcomes into the ticketing system that
// owns the tasks.
package tickets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultRequestTimeout = 15 * time.Second

// Client marks tickets as promoted over the ticketing system's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
	}
}

type promotedRequest struct {
	ProjectKey string `json:"projectKey"`
	TaskKey    string `json:"taskKey"`
	PromotedAt string `json:"promotedAt"`
}

// MarkPromoted records on the ticket that its branch was promoted. Failures
// here never roll the promotion back; callers treat them as advisory.
func (c *Client) MarkPromoted(ctx context.Context, projectKey, taskKey string) error {
	payload := promotedRequest{
		ProjectKey: projectKey,
		TaskKey:    taskKey,
		PromotedAt: time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/projects/%s/tasks/%s/promoted", c.baseURL, projectKey, taskKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ticketing system error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
