package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loom/api/internal/lifecycle"
	"loom/api/internal/search"
	"loom/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	apiToken   string
}

func NewHTTPServer(service *Service, corsOrigin, apiToken string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, apiToken: apiToken}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if s.apiToken != "" && bearerToken(r) != s.apiToken {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/branches" {
		branches, err := s.service.ListBranches(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if branches == nil {
			branches = []store.Branch{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/branches" {
		var input RegisterBranchInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		branch, err := s.service.RegisterBranch(r.Context(), input)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, branch)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sweep" {
		if err := s.service.RunSweep(r.Context()); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/jobs/search" {
		query := search.Query{
			Text:           r.URL.Query().Get("q"),
			FilterCategory: r.URL.Query().Get("category"),
			Limit:          queryInt(r, "limit"),
			Offset:         queryInt(r, "offset"),
		}
		writeJSON(w, http.StatusOK, s.service.SearchJobs(r.Context(), query))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notifications" {
		recipient := r.URL.Query().Get("recipient")
		if strings.TrimSpace(recipient) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "recipient is required", nil)
			return
		}
		notifications, err := s.service.ListNotifications(r.Context(), recipient, queryInt(r, "limit"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if notifications == nil {
			notifications = []store.Notification{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/status/{category}/{projectKey}[/{taskKey}]
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "status" {
		category := parts[2]
		projectKey := parts[3]
		taskKey := ""
		if len(parts) == 5 {
			taskKey = parts[4]
		} else if len(parts) > 5 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}

		switch r.Method {
		case http.MethodGet:
			status, err := s.service.GetStatus(category, projectKey, taskKey)
			if err != nil {
				st, code, message, details := mapError(err)
				writeError(w, st, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, status)
			return
		case http.MethodDelete:
			if err := s.service.ClearStatus(category, projectKey, taskKey); err != nil {
				st, code, message, details := mapError(err)
				writeError(w, st, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	// /api/projects/{projectKey}[/tasks/{taskKey}]/<action>
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "projects" {
		projectKey := parts[2]
		taskKey := ""
		rest := parts[3:]
		if rest[0] == "tasks" {
			if len(rest) < 3 {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
				return
			}
			taskKey = rest[1]
			rest = rest[2:]
		}
		s.handleBranchAction(w, r, projectKey, taskKey, rest)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBranchAction(w http.ResponseWriter, r *http.Request, projectKey, taskKey string, action []string) {
	var body struct {
		Requester               string `json:"requester"`
		ReviewID                string `json:"reviewId"`
		ScheduledRebaseDisabled bool   `json:"scheduledRebaseDisabled"`
		RebaseDisabled          bool   `json:"rebaseDisabled"`
		Locked                  bool   `json:"locked"`
	}
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
	}
	if body.Requester == "" {
		body.Requester = "api"
	}

	var err error
	var payload any

	switch {
	case r.Method == http.MethodPost && len(action) == 2 && action[0] == "promote" && action[1] == "auto":
		err = s.service.EnqueueAutomatedPromotion(r.Context(), projectKey, taskKey, body.Requester)
		payload = map[string]any{"queued": true}
	case r.Method == http.MethodPost && len(action) == 1 && action[0] == "promote":
		err = s.service.RequestManualPromotion(r.Context(), projectKey, taskKey, body.Requester, body.ReviewID)
		payload = map[string]any{"accepted": true}
	case r.Method == http.MethodPost && len(action) == 1 && action[0] == "rebase":
		err = s.service.RequestManualRebase(r.Context(), projectKey, taskKey, body.Requester)
		payload = map[string]any{"accepted": true}
	case r.Method == http.MethodPost && len(action) == 1 && action[0] == "classify":
		var handle string
		handle, err = s.service.StartConsistencyCheck(r.Context(), projectKey, taskKey)
		payload = map[string]any{"handle": handle}
	case r.Method == http.MethodGet && len(action) == 1 && action[0] == "classify":
		payload, err = s.service.GetClassificationResult(r.Context(), projectKey, taskKey)
	case r.Method == http.MethodGet && len(action) == 1 && action[0] == "branch":
		payload, err = s.service.GetBranchState(r.Context(), projectKey, taskKey)
	case r.Method == http.MethodDelete && len(action) == 1 && action[0] == "branch":
		err = s.service.DeleteBranch(r.Context(), projectKey, taskKey)
		payload = map[string]any{"ok": true}
	case r.Method == http.MethodPut && len(action) == 1 && action[0] == "flags":
		payload, err = s.service.SetBranchFlags(r.Context(), projectKey, taskKey,
			body.ScheduledRebaseDisabled, body.RebaseDisabled, body.Locked)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusAccepted
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, lifecycle.ErrSweepInProgress) {
		return http.StatusConflict, "SWEEP_IN_PROGRESS", "A sweep pass is already running", nil
	}
	if errors.Is(err, lifecycle.ErrCheckInProgress) {
		return http.StatusConflict, "CHECK_IN_PROGRESS", "A consistency check is already running for this branch", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
