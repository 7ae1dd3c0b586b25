package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"loom/api/internal/lifecycle"
	"loom/api/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *serviceFixture) {
	t.Helper()
	fx := newServiceFixture(t)
	server := httptest.NewServer(NewHTTPServer(fx.service, "*", "api-token").Handler())
	t.Cleanup(server.Close)
	return server, fx
}

func doRequest(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthNeedsNoToken(t *testing.T) {
	server, _ := newTestServer(t)

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Errorf("payload = %v", payload)
	}
}

func TestAPIRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(t)

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/branches", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Errorf("payload = %v", payload)
	}

	resp, _ = doRequest(t, http.MethodGet, server.URL+"/api/branches", "wrong-token", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRegisterAndListBranches(t *testing.T) {
	server, _ := newTestServer(t)

	resp, payload := doRequest(t, http.MethodPost, server.URL+"/api/branches", "api-token",
		`{"projectKey":"ATLAS","taskKey":"ATLAS-1","path":"atlas/task-1","recipient":"ada@local.loom.dev"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, payload %v", resp.StatusCode, payload)
	}
	if payload["path"] != "atlas/task-1" {
		t.Errorf("payload = %v", payload)
	}

	resp, payload = doRequest(t, http.MethodGet, server.URL+"/api/branches", "api-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	branches, ok := payload["branches"].([]any)
	if !ok || len(branches) != 1 {
		t.Errorf("payload = %v", payload)
	}
}

func TestAutomatedPromotionEndpointQueues(t *testing.T) {
	server, fx := newTestServer(t)
	fx.store.addBranch(store.Branch{ProjectKey: "ATLAS", TaskKey: "ATLAS-1", Path: "atlas/task-1", ParentPath: "atlas/main"})

	resp, payload := doRequest(t, http.MethodPost,
		server.URL+"/api/projects/ATLAS/tasks/ATLAS-1/promote/auto", "api-token", `{"requester":"ada"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, payload %v", resp.StatusCode, payload)
	}
	waitUntil(t, "queued promotion to run", func() bool { return fx.runner.count() == 1 })
}

func TestStatusEndpoint(t *testing.T) {
	server, fx := newTestServer(t)
	fx.service.registries[CategoryAutomated].Put(lifecycle.JobKey("ATLAS", "ATLAS-1"),
		lifecycle.ProcessStatus{State: lifecycle.StateQueued, Message: "Queued for promotion"})

	resp, payload := doRequest(t, http.MethodGet,
		server.URL+"/api/status/automated/ATLAS/ATLAS-1", "api-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, payload %v", resp.StatusCode, payload)
	}
	if payload["state"] != lifecycle.StateQueued {
		t.Errorf("payload = %v", payload)
	}

	resp, payload = doRequest(t, http.MethodGet,
		server.URL+"/api/status/automated/ATLAS/ATLAS-404", "api-token", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, payload %v", resp.StatusCode, payload)
	}
	if payload["code"] != "STATUS_NOT_FOUND" {
		t.Errorf("payload = %v", payload)
	}
}

func TestUnknownCategoryIs404(t *testing.T) {
	server, _ := newTestServer(t)

	resp, payload := doRequest(t, http.MethodGet,
		server.URL+"/api/status/release-train/ATLAS/ATLAS-1", "api-token", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["code"] != "UNKNOWN_CATEGORY" {
		t.Errorf("payload = %v", payload)
	}
}

func TestManualRebaseEndpointConflictWhenDisabled(t *testing.T) {
	server, fx := newTestServer(t)
	fx.store.addBranch(store.Branch{ProjectKey: "ATLAS", TaskKey: "ATLAS-1", Path: "atlas/task-1", ParentPath: "atlas/main", RebaseDisabled: true})

	resp, payload := doRequest(t, http.MethodPost,
		server.URL+"/api/projects/ATLAS/tasks/ATLAS-1/rebase", "api-token", `{"requester":"ada"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, payload %v", resp.StatusCode, payload)
	}
	if payload["code"] != "REBASE_DISABLED" {
		t.Errorf("payload = %v", payload)
	}
}

func TestSweepEndpointConflictWhenBusy(t *testing.T) {
	server, fx := newTestServer(t)
	fx.sweeper.runErr = lifecycle.ErrSweepInProgress

	resp, payload := doRequest(t, http.MethodPost, server.URL+"/api/sweep", "api-token", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, payload %v", resp.StatusCode, payload)
	}
	if payload["code"] != "SWEEP_IN_PROGRESS" {
		t.Errorf("payload = %v", payload)
	}
}

func TestClassificationResultEndpoint(t *testing.T) {
	server, fx := newTestServer(t)
	fx.store.addBranch(store.Branch{ProjectKey: "ATLAS", TaskKey: "ATLAS-1", Path: "atlas/task-1", ParentPath: "atlas/main"})
	fx.checks.latestFn = func(ctx context.Context, path string) (lifecycle.ClassificationResult, bool, error) {
		return lifecycle.ClassificationResult{Handle: "run-9", Outstanding: true}, true, nil
	}

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/projects/ATLAS/tasks/ATLAS-1/classify", "api-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if payload["handle"] != "run-9" || payload["outstanding"] != true {
		t.Errorf("payload = %v", payload)
	}
}

func TestClassificationResultEndpointMiss(t *testing.T) {
	server, fx := newTestServer(t)
	fx.store.addBranch(store.Branch{ProjectKey: "ATLAS", TaskKey: "ATLAS-1", Path: "atlas/task-1", ParentPath: "atlas/main"})

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/projects/ATLAS/tasks/ATLAS-1/classify", "api-token", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if payload["code"] != "RESULT_NOT_FOUND" {
		t.Errorf("payload = %v", payload)
	}
}

func TestJobsSearchEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, payload := doRequest(t, http.MethodGet,
		server.URL+"/api/jobs/search?q=promoted&limit=5", "api-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["query"] != "promoted" {
		t.Errorf("payload = %v", payload)
	}
}

func TestNotificationsEndpointRequiresRecipient(t *testing.T) {
	server, _ := newTestServer(t)

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/notifications", "api-token", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, payload %v", resp.StatusCode, payload)
	}
}

func TestProjectScopedActionRoute(t *testing.T) {
	server, fx := newTestServer(t)
	fx.store.addBranch(store.Branch{ProjectKey: "ATLAS", TaskKey: "", Path: "atlas/release", ParentPath: "atlas/main"})

	resp, payload := doRequest(t, http.MethodPost,
		server.URL+"/api/projects/ATLAS/rebase", "api-token", `{"requester":"ada"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, payload %v", resp.StatusCode, payload)
	}
}
