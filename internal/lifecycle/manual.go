package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"
)

// ManualRunner executes user-requested rebases and promotions: the same
// merge-then-record shape as the automated pipeline's first and last steps,
// without the consistency check and without chaining. Each run is dispatched
// by the caller onto the task pool; errors are written to the given registry
// and otherwise swallowed, so callers must poll status.
type ManualRunner struct {
	merges   merger
	versions VersioningClient
	notify   NotificationSink
}

func NewManualRunner(merges merger, versions VersioningClient, notify NotificationSink) *ManualRunner {
	return &ManualRunner{merges: merges, versions: versions, notify: notify}
}

// RunRebase merges the parent's newer changes into the branch, guarded by a
// fresh merge review.
func (m *ManualRunner) RunRebase(ctx context.Context, registry *Registry, req PromotionRequest, branch TaskBranch) {
	key := JobKey(req.ProjectKey, req.TaskKey)
	registry.Put(key, ProcessStatus{State: StateRebasing, Message: "Rebasing " + branch.SourcePath})

	reviewID, err := m.merges.GenerateReview(ctx, branch.TargetPath, branch.SourcePath)
	if err != nil {
		m.finish(ctx, registry, key, req, branch, StateFailed,
			fmt.Sprintf("Generate rebase review for %s: %v", branch.SourcePath, err))
		return
	}
	conflicts, err := m.versions.GetMergeReviewConflicts(ctx, reviewID)
	if err != nil {
		m.finish(ctx, registry, key, req, branch, StateFailed,
			fmt.Sprintf("Read rebase review %s: %v", reviewID, err))
		return
	}
	if len(conflicts) > 0 {
		m.finish(ctx, registry, key, req, branch, StateRebaseConflicts,
			fmt.Sprintf("Rebase of %s has %d conflicting items", branch.SourcePath, len(conflicts)))
		return
	}

	result, err := m.merges.Merge(ctx, branch.TargetPath, branch.SourcePath, reviewID)
	if err != nil {
		m.finish(ctx, registry, key, req, branch, StateFailed,
			fmt.Sprintf("Rebase merge for %s: %v", branch.SourcePath, err))
		return
	}
	if result.Status != MergeCompleted {
		state := StateFailed
		if result.Status == MergeConflicts {
			state = StateRebaseConflicts
		}
		m.finish(ctx, registry, key, req, branch, state, result.ErrorMessage())
		return
	}
	m.finish(ctx, registry, key, req, branch, StateCompleted,
		fmt.Sprintf("Branch %s successfully rebased", branch.SourcePath))
}

// RunPromotion merges the branch into its parent. reviewID may carry a
// previously generated merge review for the versioning service to commit
// against; it is optional.
func (m *ManualRunner) RunPromotion(ctx context.Context, registry *Registry, req PromotionRequest, branch TaskBranch, reviewID string) {
	key := JobKey(req.ProjectKey, req.TaskKey)
	registry.Put(key, ProcessStatus{State: StatePromoting, Message: "Promoting " + branch.SourcePath})

	result, err := m.merges.Merge(ctx, branch.SourcePath, branch.TargetPath, reviewID)
	if err != nil {
		m.finish(ctx, registry, key, req, branch, StatePromotionError,
			fmt.Sprintf("Promotion merge for %s: %v", branch.SourcePath, err))
		return
	}
	if result.Status != MergeCompleted {
		m.finish(ctx, registry, key, req, branch, StatePromotionError, result.ErrorMessage())
		return
	}
	m.finish(ctx, registry, key, req, branch, StateCompleted,
		fmt.Sprintf("Branch %s successfully promoted", branch.SourcePath))
}

func (m *ManualRunner) finish(ctx context.Context, registry *Registry, key string, req PromotionRequest, branch TaskBranch, state, message string) {
	now := time.Now().UTC()
	registry.Put(key, ProcessStatus{State: state, Message: message, CompletedAt: &now})

	if err := m.notify.Publish(ctx, branch.Recipient, Notification{
		EntityType: "merge",
		ProjectKey: req.ProjectKey,
		TaskKey:    req.TaskKey,
		Message:    message,
	}); err != nil {
		log.Printf("manual: publish status for %s: %v", key, err)
	}
}
