// Package lifecycle orchestrates the branch lifecycle: rebases, consistency
// checks and promotions, performed against an external versioning service and
// classification engine and tracked through in-memory status registries.
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MergeStatus values reported by the versioning service for a merge job.
const (
	MergeScheduled  = "Scheduled"
	MergeInProgress = "InProgress"
	MergeCompleted  = "Completed"
	MergeConflicts  = "Conflicts"
	MergeFailed     = "Failed"
)

// Merge review statuses. A review is usable once it reaches Current.
const (
	ReviewCurrent = "Current"
)

// Branch-to-parent relations reported by the versioning service.
const (
	RelationUpToDate = "UpToDate"
	RelationForward  = "Forward"
	RelationBehind   = "Behind"
	RelationDiverged = "Diverged"
)

// ProcessStatus states. These are free-form labels shown verbatim in the
// workflow UI, not a closed enum; callers compare against the constants below.
const (
	StateQueued             = "Queued"
	StateRebasing           = "Rebasing"
	StateClassifying        = "Classifying"
	StatePromoting          = "Promoting"
	StateCompleted          = "Completed"
	StateFailed             = "Failed"
	StateRebaseConflicts    = "Rebased with conflicts"
	StateClassifiedResults  = "Classified with results"
	StatePromotionError     = "Promotion Error"
	StateClassificationBusy = "Classification already running"
)

var (
	ErrMergeTimeout    = errors.New("merge polling exceeded wait budget")
	ErrSweepInProgress = errors.New("scheduled rebase sweep already in progress")
	ErrCheckInProgress = errors.New("consistency check already in progress")
)

// JobKey addresses one registry entry. The separator is reserved: it may not
// appear in either component.
const keySeparator = "|"

func JobKey(projectKey, taskKey string) string {
	return strings.ReplaceAll(projectKey, keySeparator, "_") + keySeparator +
		strings.ReplaceAll(taskKey, keySeparator, "_")
}

// ProcessStatus is the externally observable state of one job run. Values are
// immutable: every transition writes a fresh status to the registry.
type ProcessStatus struct {
	State       string     `json:"state"`
	Message     string     `json:"message"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the status will no longer change for this run.
func (s ProcessStatus) Terminal() bool {
	switch s.State {
	case StateQueued, StateRebasing, StateClassifying, StatePromoting:
		return false
	}
	return true
}

// MergeError carries the failure detail the versioning service attached to a
// merge job, if any.
type MergeError struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MergeResult is the terminal (or last observed) outcome of a merge job.
type MergeResult struct {
	Status string      `json:"status"`
	Error  *MergeError `json:"error,omitempty"`
}

func (r MergeResult) pending() bool {
	return r.Status == MergeScheduled || r.Status == MergeInProgress
}

// ErrorMessage returns the attached error message, or a fallback built from
// the status when the service reported no detail.
func (r MergeResult) ErrorMessage() string {
	if r.Error != nil && r.Error.Message != "" {
		return r.Error.Message
	}
	return "merge finished with status " + r.Status
}

// BranchInfo is the versioning service's view of one branch.
type BranchInfo struct {
	Path      string
	Parent    string
	Relation  string
	UpdatedAt time.Time
}

// VersioningClient is the narrow surface of the content-versioning service the
// lifecycle depends on.
type VersioningClient interface {
	StartMerge(ctx context.Context, source, target, reviewID string) (string, error)
	GetMerge(ctx context.Context, mergeID string) (MergeResult, error)
	CreateMergeReview(ctx context.Context, source, target string) (string, error)
	GetMergeReviewResult(ctx context.Context, reviewID string) (string, error)
	GetMergeReviewConflicts(ctx context.Context, reviewID string) ([]string, error)
	GetBranch(ctx context.Context, path string) (BranchInfo, error)
}

// ClassificationClient is the narrow surface of the consistency/classification
// engine.
type ClassificationClient interface {
	IsRunning(ctx context.Context, path string) (bool, error)
	Start(ctx context.Context, path string) (string, error)
	WaitForCompletion(ctx context.Context, handle string) error
	HasOutstandingChanges(ctx context.Context, handle string) (bool, error)
}

// ClassificationResult is the outcome of the latest finished consistency run
// on a branch.
type ClassificationResult struct {
	Handle      string    `json:"handle"`
	Outstanding bool      `json:"outstanding"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// ResultCache is the branch-keyed read-through cache of latest classification
// results. A finished run replaces the entry for its branch; invalidation
// drops it so readers never see a result for stale branch content.
type ResultCache interface {
	Put(ctx context.Context, branchPath string, result ClassificationResult) error
	Get(ctx context.Context, branchPath string) (ClassificationResult, bool, error)
	Invalidate(ctx context.Context, branchPath string) error
}

// Notification is an event published to the workflow UI when a lifecycle step
// finishes.
type Notification struct {
	EntityType string `json:"entityType"`
	ProjectKey string `json:"projectKey"`
	TaskKey    string `json:"taskKey"`
	Message    string `json:"message"`
}

type NotificationSink interface {
	Publish(ctx context.Context, recipient string, n Notification) error
}

// TicketMirror marks the externally owned task as promoted in the surrounding
// workflow system.
type TicketMirror interface {
	MarkPromoted(ctx context.Context, projectKey, taskKey string) error
}

// TaskBranch resolves a (project, task) pair to the branch the lifecycle acts
// on: the isolated branch path, its parent, and who to notify.
type TaskBranch struct {
	SourcePath string
	TargetPath string
	Recipient  string
}

type BranchResolver interface {
	ResolveTask(ctx context.Context, projectKey, taskKey string) (TaskBranch, error)
}

// SweepBranch is one candidate in the scheduled rebase sweep, with the flags
// that can exclude it.
type SweepBranch struct {
	ProjectKey              string
	TaskKey                 string
	Path                    string
	ParentPath              string
	ScheduledRebaseDisabled bool
	RebaseDisabled          bool
	Locked                  bool
}

type BranchLister interface {
	ListBranches(ctx context.Context) ([]SweepBranch, error)
}
