// Package classify talks to the external consistency-check engine and caches
// its latest results per branch.
package classify

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

const (
	defaultRequestTimeout = 30 * time.Second
	defaultPollInterval   = 2 * time.Second
)

// Engine is an HTTP client for the consistency-check service. It implements
// the lifecycle's ClassificationClient surface.
type Engine struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	pollInterval time.Duration
}

func NewEngine(baseURL, token string) *Engine {
	return &Engine{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
		pollInterval: defaultPollInterval,
	}
}

type runState struct {
	Handle      string `json:"handle"`
	Status      string `json:"status"`
	Outstanding bool   `json:"outstanding"`
	Error       string `json:"error,omitempty"`
}

type startRequest struct {
	BranchPath string `json:"branchPath"`
}

// IsRunning reports whether the engine already has an active run for the
// branch.
func (e *Engine) IsRunning(ctx context.Context, path string) (bool, error) {
	var state runState
	endpoint := e.baseURL + "/runs/active?branch=" + url.QueryEscape(path)
	status, err := e.do(ctx, http.MethodGet, endpoint, nil, &state)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	return state.Status == "running", nil
}

// Start launches a run for the branch and returns its handle.
func (e *Engine) Start(ctx context.Context, path string) (string, error) {
	var state runState
	status, err := e.do(ctx, http.MethodPost, e.baseURL+"/runs", startRequest{BranchPath: path}, &state)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", fmt.Errorf("classification engine has no run endpoint")
	}
	if state.Handle == "" {
		return "", fmt.Errorf("classification engine returned no run handle")
	}
	return state.Handle, nil
}

// WaitForCompletion polls the run until it leaves the running state.
func (e *Engine) WaitForCompletion(ctx context.Context, handle string) error {
	for {
		state, err := e.getRun(ctx, handle)
		if err != nil {
			return err
		}
		switch state.Status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("classification run %s failed: %s", handle, state.Error)
		}
		timer := time.NewTimer(e.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// HasOutstandingChanges reports whether the finished run flagged results that
// block promotion.
func (e *Engine) HasOutstandingChanges(ctx context.Context, handle string) (bool, error) {
	state, err := e.getRun(ctx, handle)
	if err != nil {
		return false, err
	}
	return state.Outstanding, nil
}

func (e *Engine) getRun(ctx context.Context, handle string) (runState, error) {
	var state runState
	status, err := e.do(ctx, http.MethodGet, e.baseURL+"/runs/"+url.PathEscape(handle), nil, &state)
	if err != nil {
		return runState{}, err
	}
	if status == http.StatusNotFound {
		return runState{}, fmt.Errorf("classification run %s not found", handle)
	}
	return state, nil
}

// do sends the request and decodes the JSON response into out. A 404 is
// reported through the returned status, everything else non-2xx is an error.
func (e *Engine) do(ctx context.Context, method, endpoint string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("classification engine error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return 0, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
