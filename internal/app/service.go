// Package app wires the lifecycle, versioning, storage and search layers
// together and exposes them over HTTP.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"time"

	"loom/api/internal/lifecycle"
	"loom/api/internal/search"
	"loom/api/internal/store"
	"loom/api/internal/versioning"
)

// Job status categories, one registry each.
const (
	CategoryTaskRebase       = "task-rebase"
	CategoryProjectRebase    = "project-rebase"
	CategoryTaskPromotion    = "task-promotion"
	CategoryProjectPromotion = "project-promotion"
	CategoryAutomated        = "automated"
)

type dataStore interface {
	ResolveBranch(ctx context.Context, projectKey, taskKey string) (store.Branch, error)
	ListBranches(ctx context.Context) ([]store.Branch, error)
	UpsertBranch(ctx context.Context, b store.Branch) (store.Branch, error)
	SetBranchFlags(ctx context.Context, projectKey, taskKey string, scheduledRebaseDisabled, rebaseDisabled, locked bool) (store.Branch, error)
	DeleteBranch(ctx context.Context, projectKey, taskKey string) error
	ListNotifications(ctx context.Context, recipient string, limit int) ([]store.Notification, error)
	InsertJobEvent(ctx context.Context, e store.JobEvent) (store.JobEvent, error)
	Ping(ctx context.Context) error
}

type versioningService interface {
	EnsureProject(project string, initial versioning.Content, author string) error
	CreateBranch(path, parentPath string) error
	GetBranch(ctx context.Context, path string) (lifecycle.BranchInfo, error)
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexEvent(e search.EventRecord)
}

type checkStarter interface {
	StartCheck(ctx context.Context, ref lifecycle.BranchRef) (string, error)
	LatestResult(ctx context.Context, path string) (lifecycle.ClassificationResult, bool, error)
}

type sweepRunner interface {
	Run(ctx context.Context) error
}

// Service is the application facade. It owns the five job status registries
// and routes lifecycle requests to the queue worker, the manual task pool and
// the sweeper.
type Service struct {
	store      dataStore
	versioning versioningService
	search     searchService
	classifier checkStarter
	sweeper    sweepRunner

	queue  *lifecycle.QueueWorker
	manual *lifecycle.ManualRunner
	pool   *lifecycle.TaskPool

	registries map[string]*lifecycle.Registry
}

// Deps carries everything the facade needs. The lifecycle pieces are built by
// the caller so tests can substitute fakes.
type Deps struct {
	Store      dataStore
	Versioning versioningService
	Search     searchService
	Classifier checkStarter
	Sweeper    sweepRunner
	Queue      *lifecycle.QueueWorker
	Manual     *lifecycle.ManualRunner
	Pool       *lifecycle.TaskPool
	Registries map[string]*lifecycle.Registry
}

// NewRegistries builds the five category registries.
func NewRegistries() map[string]*lifecycle.Registry {
	registries := make(map[string]*lifecycle.Registry)
	for _, category := range []string{
		CategoryTaskRebase, CategoryProjectRebase,
		CategoryTaskPromotion, CategoryProjectPromotion,
		CategoryAutomated,
	} {
		registries[category] = lifecycle.NewRegistry()
	}
	return registries
}

func NewService(deps Deps) *Service {
	s := &Service{
		store:      deps.Store,
		versioning: deps.Versioning,
		search:     deps.Search,
		classifier: deps.Classifier,
		sweeper:    deps.Sweeper,
		queue:      deps.Queue,
		manual:     deps.Manual,
		pool:       deps.Pool,
		registries: deps.Registries,
	}
	for category, registry := range s.registries {
		registry.Observe(s.recordJobEvent(category))
	}
	return s
}

// recordJobEvent turns terminal status writes into persisted, indexed job
// events.
func (s *Service) recordJobEvent(category string) func(key string, status lifecycle.ProcessStatus) {
	return func(key string, status lifecycle.ProcessStatus) {
		if !status.Terminal() {
			return
		}
		projectKey, taskKey := splitJobKey(key)
		event := store.JobEvent{
			ID:         newID("evt"),
			Category:   category,
			ProjectKey: projectKey,
			TaskKey:    taskKey,
			State:      status.State,
			Message:    status.Message,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		saved, err := s.store.InsertJobEvent(ctx, event)
		if err != nil {
			log.Printf("app: record job event for %s: %v", key, err)
			return
		}
		if s.search != nil {
			s.search.IndexEvent(search.EventRecord{
				ID:         saved.ID,
				Category:   saved.Category,
				ProjectKey: saved.ProjectKey,
				TaskKey:    saved.TaskKey,
				State:      saved.State,
				Message:    saved.Message,
				CreatedAt:  saved.CreatedAt.Unix(),
			})
		}
	}
}

func splitJobKey(key string) (projectKey, taskKey string) {
	projectKey, taskKey, _ = strings.Cut(key, "|")
	return projectKey, taskKey
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close drains the queue worker and the manual task pool.
func (s *Service) Close() {
	if s.queue != nil {
		s.queue.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// RegisterBranchInput registers a task branch so the lifecycle has a subject
// to act on. TaskKey may be empty for a project-scoped branch.
type RegisterBranchInput struct {
	ProjectKey              string `json:"projectKey"`
	TaskKey                 string `json:"taskKey"`
	Path                    string `json:"path"`
	ParentPath              string `json:"parentPath"`
	Recipient               string `json:"recipient"`
	ScheduledRebaseDisabled bool   `json:"scheduledRebaseDisabled"`
	RebaseDisabled          bool   `json:"rebaseDisabled"`
	Locked                  bool   `json:"locked"`
}

func (s *Service) RegisterBranch(ctx context.Context, input RegisterBranchInput) (store.Branch, error) {
	if strings.TrimSpace(input.ProjectKey) == "" {
		return store.Branch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectKey is required", nil)
	}
	if strings.Contains(input.ProjectKey, "|") || strings.Contains(input.TaskKey, "|") {
		return store.Branch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "keys must not contain '|'", nil)
	}
	if strings.TrimSpace(input.Path) == "" {
		return store.Branch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path is required", nil)
	}
	if strings.TrimSpace(input.ParentPath) == "" {
		input.ParentPath = strings.SplitN(input.Path, "/", 2)[0] + "/main"
	}

	project := strings.SplitN(input.Path, "/", 2)[0]
	if err := s.versioning.EnsureProject(project, versioning.Content{Title: project}, input.Recipient); err != nil {
		return store.Branch{}, err
	}
	if err := s.versioning.CreateBranch(input.Path, input.ParentPath); err != nil {
		return store.Branch{}, err
	}

	branch, err := s.store.UpsertBranch(ctx, store.Branch{
		ID:                      newID("brn"),
		ProjectKey:              input.ProjectKey,
		TaskKey:                 input.TaskKey,
		Path:                    input.Path,
		ParentPath:              input.ParentPath,
		Recipient:               input.Recipient,
		ScheduledRebaseDisabled: input.ScheduledRebaseDisabled,
		RebaseDisabled:          input.RebaseDisabled,
		Locked:                  input.Locked,
	})
	if err != nil {
		return store.Branch{}, err
	}
	return branch, nil
}

func (s *Service) ListBranches(ctx context.Context) ([]store.Branch, error) {
	return s.store.ListBranches(ctx)
}

func (s *Service) SetBranchFlags(ctx context.Context, projectKey, taskKey string, scheduledRebaseDisabled, rebaseDisabled, locked bool) (store.Branch, error) {
	return s.store.SetBranchFlags(ctx, projectKey, taskKey, scheduledRebaseDisabled, rebaseDisabled, locked)
}

func (s *Service) DeleteBranch(ctx context.Context, projectKey, taskKey string) error {
	return s.store.DeleteBranch(ctx, projectKey, taskKey)
}

// BranchState is a catalog row joined with the live relation reported by the
// versioning service.
type BranchState struct {
	store.Branch
	Relation string `json:"relation,omitempty"`
}

func (s *Service) GetBranchState(ctx context.Context, projectKey, taskKey string) (BranchState, error) {
	branch, err := s.store.ResolveBranch(ctx, projectKey, taskKey)
	if err != nil {
		return BranchState{}, err
	}
	state := BranchState{Branch: branch}
	info, err := s.versioning.GetBranch(ctx, branch.Path)
	if err != nil {
		log.Printf("app: read branch relation for %s: %v", branch.Path, err)
		return state, nil
	}
	state.Relation = info.Relation
	return state, nil
}

// EnqueueAutomatedPromotion puts the task on the automated promotion queue.
func (s *Service) EnqueueAutomatedPromotion(ctx context.Context, projectKey, taskKey, requester string) error {
	if _, err := s.store.ResolveBranch(ctx, projectKey, taskKey); err != nil {
		return err
	}
	s.queue.Enqueue(lifecycle.PromotionRequest{
		ProjectKey: projectKey,
		TaskKey:    taskKey,
		Requester:  requester,
	})
	return nil
}

// RequestManualRebase submits a manual rebase to the task pool. Project-scoped
// requests (empty taskKey) report under the project-rebase category.
func (s *Service) RequestManualRebase(ctx context.Context, projectKey, taskKey, requester string) error {
	branch, err := s.store.ResolveBranch(ctx, projectKey, taskKey)
	if err != nil {
		return err
	}
	if branch.RebaseDisabled {
		return domainError(http.StatusConflict, "REBASE_DISABLED", "Rebase is disabled for this branch", nil)
	}
	if branch.Locked {
		return domainError(http.StatusConflict, "BRANCH_LOCKED", "Branch is locked", nil)
	}

	registry := s.registries[rebaseCategory(taskKey)]
	req := lifecycle.PromotionRequest{ProjectKey: projectKey, TaskKey: taskKey, Requester: requester}
	task := taskBranch(branch)

	runCtx := lifecycle.WithIdentity(context.Background(), requester)
	submitted := s.pool.Submit(func() {
		s.manual.RunRebase(runCtx, registry, req, task)
	})
	if !submitted {
		return domainError(http.StatusServiceUnavailable, "POOL_CLOSED", "Worker pool is shut down", nil)
	}
	return nil
}

// RequestManualPromotion submits a manual promotion to the task pool,
// optionally reusing an existing merge review.
func (s *Service) RequestManualPromotion(ctx context.Context, projectKey, taskKey, requester, reviewID string) error {
	branch, err := s.store.ResolveBranch(ctx, projectKey, taskKey)
	if err != nil {
		return err
	}
	if branch.Locked {
		return domainError(http.StatusConflict, "BRANCH_LOCKED", "Branch is locked", nil)
	}

	registry := s.registries[promotionCategory(taskKey)]
	req := lifecycle.PromotionRequest{ProjectKey: projectKey, TaskKey: taskKey, Requester: requester}
	task := taskBranch(branch)

	runCtx := lifecycle.WithIdentity(context.Background(), requester)
	submitted := s.pool.Submit(func() {
		s.manual.RunPromotion(runCtx, registry, req, task, reviewID)
	})
	if !submitted {
		return domainError(http.StatusServiceUnavailable, "POOL_CLOSED", "Worker pool is shut down", nil)
	}
	return nil
}

func rebaseCategory(taskKey string) string {
	if taskKey == "" {
		return CategoryProjectRebase
	}
	return CategoryTaskRebase
}

func promotionCategory(taskKey string) string {
	if taskKey == "" {
		return CategoryProjectPromotion
	}
	return CategoryTaskPromotion
}

func taskBranch(branch store.Branch) lifecycle.TaskBranch {
	return lifecycle.TaskBranch{
		SourcePath: branch.Path,
		TargetPath: branch.ParentPath,
		Recipient:  branch.Recipient,
	}
}

// GetStatus reads the latest status of a job in the given category.
func (s *Service) GetStatus(category, projectKey, taskKey string) (lifecycle.ProcessStatus, error) {
	registry, ok := s.registries[category]
	if !ok {
		return lifecycle.ProcessStatus{}, domainError(http.StatusNotFound, "UNKNOWN_CATEGORY", "Unknown status category", nil)
	}
	status, ok := registry.Get(lifecycle.JobKey(projectKey, taskKey))
	if !ok {
		return lifecycle.ProcessStatus{}, domainError(http.StatusNotFound, "STATUS_NOT_FOUND", "No status recorded for this job", nil)
	}
	return status, nil
}

// ClearStatus removes a recorded status, typically after the UI showed it.
func (s *Service) ClearStatus(category, projectKey, taskKey string) error {
	registry, ok := s.registries[category]
	if !ok {
		return domainError(http.StatusNotFound, "UNKNOWN_CATEGORY", "Unknown status category", nil)
	}
	if err := registry.Remove(lifecycle.JobKey(projectKey, taskKey)); err != nil {
		return domainError(http.StatusNotFound, "STATUS_NOT_FOUND", "No status recorded for this job", nil)
	}
	return nil
}

// RunSweep triggers the scheduled rebase sweep on demand.
func (s *Service) RunSweep(ctx context.Context) error {
	return s.sweeper.Run(ctx)
}

// StartConsistencyCheck launches a background consistency check for the
// task's branch.
func (s *Service) StartConsistencyCheck(ctx context.Context, projectKey, taskKey string) (string, error) {
	branch, err := s.store.ResolveBranch(ctx, projectKey, taskKey)
	if err != nil {
		return "", err
	}
	handle, err := s.classifier.StartCheck(ctx, lifecycle.BranchRef{
		Path:       branch.Path,
		ProjectKey: projectKey,
		TaskKey:    taskKey,
		Recipient:  branch.Recipient,
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

// GetClassificationResult reads the cached outcome of the latest finished
// consistency check on the task's branch.
func (s *Service) GetClassificationResult(ctx context.Context, projectKey, taskKey string) (lifecycle.ClassificationResult, error) {
	branch, err := s.store.ResolveBranch(ctx, projectKey, taskKey)
	if err != nil {
		return lifecycle.ClassificationResult{}, err
	}
	result, ok, err := s.classifier.LatestResult(ctx, branch.Path)
	if err != nil {
		return lifecycle.ClassificationResult{}, err
	}
	if !ok {
		return lifecycle.ClassificationResult{}, domainError(http.StatusNotFound, "RESULT_NOT_FOUND", "No finished consistency check for this branch", nil)
	}
	return result, nil
}

// SearchJobs queries the job-event history.
func (s *Service) SearchJobs(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// ListNotifications returns recent notifications for a recipient.
func (s *Service) ListNotifications(ctx context.Context, recipient string, limit int) ([]store.Notification, error) {
	return s.store.ListNotifications(ctx, recipient, limit)
}

func newID(prefix string) string {
	raw := make([]byte, 8)
	_, _ = rand.Read(raw)
	return prefix + "-" + hex.EncodeToString(raw)
}
