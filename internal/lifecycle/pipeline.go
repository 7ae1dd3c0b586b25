package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// PromotionRequest is one queued automated-promotion job.
type PromotionRequest struct {
	ProjectKey string
	TaskKey    string
	Requester  string
}

// merger is the slice of Coordinator the pipeline uses.
type merger interface {
	Merge(ctx context.Context, source, target, reviewID string) (MergeResult, error)
	GenerateReview(ctx context.Context, source, target string) (string, error)
}

// checkRunner is the slice of Classifier the pipeline uses.
type checkRunner interface {
	RunCheck(ctx context.Context, ref BranchRef) (bool, error)
}

// Pipeline chains rebase, consistency check and promote for a single branch,
// updating the registry at each step and stopping early on conflict or
// failure.
//
// Run is mutually exclusive at the process level: only one automated
// promotion executes at a time, even for different branches. This is a
// deliberate serialization that bounds load on the versioning and
// classification services; the queue worker relies on it.
type Pipeline struct {
	mu sync.Mutex

	merges   merger
	versions VersioningClient
	checks   checkRunner
	resolver BranchResolver
	registry *Registry
	notify   NotificationSink
	tickets  TicketMirror
}

func NewPipeline(merges merger, versions VersioningClient, checks checkRunner, resolver BranchResolver, registry *Registry, notify NotificationSink, tickets TicketMirror) *Pipeline {
	return &Pipeline{
		merges:   merges,
		versions: versions,
		checks:   checks,
		resolver: resolver,
		registry: registry,
		notify:   notify,
		tickets:  tickets,
	}
}

// Run executes the full promotion pipeline for one request. It never returns
// an error: every failure is recorded in the registry and published, so the
// queue worker that calls Run cannot be killed by a bad branch.
func (p *Pipeline) Run(ctx context.Context, req PromotionRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := JobKey(req.ProjectKey, req.TaskKey)

	branch, err := p.resolver.ResolveTask(ctx, req.ProjectKey, req.TaskKey)
	if err != nil {
		p.fail(ctx, key, req, branch, fmt.Sprintf("Resolve branch for %s/%s: %v", req.ProjectKey, req.TaskKey, err))
		return
	}

	if !p.rebase(ctx, key, req, branch) {
		return
	}
	if !p.classify(ctx, key, req, branch) {
		return
	}
	p.promote(ctx, key, req, branch)
}

// rebase brings the parent's newer changes into the branch. Branches already
// Forward or UpToDate skip the merge entirely. Returns false when the
// pipeline must stop.
func (p *Pipeline) rebase(ctx context.Context, key string, req PromotionRequest, branch TaskBranch) bool {
	p.registry.Put(key, ProcessStatus{State: StateRebasing, Message: "Rebasing " + branch.SourcePath})

	info, err := p.versions.GetBranch(ctx, branch.SourcePath)
	if err != nil {
		p.fail(ctx, key, req, branch, fmt.Sprintf("Read branch %s: %v", branch.SourcePath, err))
		return false
	}
	if info.Relation == RelationForward || info.Relation == RelationUpToDate {
		return true
	}

	reviewID, err := p.merges.GenerateReview(ctx, branch.TargetPath, branch.SourcePath)
	if err != nil {
		p.fail(ctx, key, req, branch, fmt.Sprintf("Generate rebase review for %s: %v", branch.SourcePath, err))
		return false
	}
	conflicts, err := p.versions.GetMergeReviewConflicts(ctx, reviewID)
	if err != nil {
		p.fail(ctx, key, req, branch, fmt.Sprintf("Read rebase review %s: %v", reviewID, err))
		return false
	}
	if len(conflicts) > 0 {
		p.stop(ctx, key, req, branch, StateRebaseConflicts,
			fmt.Sprintf("Rebase of %s has %d conflicting items", branch.SourcePath, len(conflicts)))
		return false
	}

	result, err := p.merges.Merge(ctx, branch.TargetPath, branch.SourcePath, reviewID)
	if err != nil {
		p.fail(ctx, key, req, branch, fmt.Sprintf("Rebase merge for %s: %v", branch.SourcePath, err))
		return false
	}
	if result.Status != MergeCompleted {
		state := StateFailed
		if result.Status == MergeConflicts {
			state = StateRebaseConflicts
		}
		p.stop(ctx, key, req, branch, state, result.ErrorMessage())
		return false
	}
	return true
}

// classify runs the consistency engine on the branch. A branch with pending
// inferred changes must not be auto-promoted. Returns false when the pipeline
// must stop.
func (p *Pipeline) classify(ctx context.Context, key string, req PromotionRequest, branch TaskBranch) bool {
	p.registry.Put(key, ProcessStatus{State: StateClassifying, Message: "Checking consistency of " + branch.SourcePath})

	outstanding, err := p.checks.RunCheck(ctx, BranchRef{
		Path:       branch.SourcePath,
		ProjectKey: req.ProjectKey,
		TaskKey:    req.TaskKey,
		Recipient:  branch.Recipient,
	})
	if errors.Is(err, ErrCheckInProgress) {
		p.stop(ctx, key, req, branch, StateClassificationBusy,
			"A consistency check is already running on "+branch.SourcePath)
		return false
	}
	if err != nil {
		p.fail(ctx, key, req, branch, fmt.Sprintf("Consistency check for %s: %v", branch.SourcePath, err))
		return false
	}
	if outstanding {
		p.stop(ctx, key, req, branch, StateClassifiedResults,
			"Consistency check found outstanding changes on "+branch.SourcePath)
		return false
	}
	return true
}

// promote merges the branch into its parent and mirrors the outcome to the
// workflow system.
func (p *Pipeline) promote(ctx context.Context, key string, req PromotionRequest, branch TaskBranch) {
	p.registry.Put(key, ProcessStatus{State: StatePromoting, Message: "Promoting " + branch.SourcePath})

	result, err := p.merges.Merge(ctx, branch.SourcePath, branch.TargetPath, "")
	if err != nil {
		p.stop(ctx, key, req, branch, StatePromotionError, fmt.Sprintf("Promotion merge for %s: %v", branch.SourcePath, err))
		return
	}
	if result.Status != MergeCompleted {
		p.stop(ctx, key, req, branch, StatePromotionError, result.ErrorMessage())
		return
	}

	if err := p.tickets.MarkPromoted(ctx, req.ProjectKey, req.TaskKey); err != nil {
		log.Printf("pipeline: mark %s/%s promoted: %v", req.ProjectKey, req.TaskKey, err)
	}
	p.stop(ctx, key, req, branch, StateCompleted,
		fmt.Sprintf("Branch %s successfully promoted", branch.SourcePath))
}

func (p *Pipeline) fail(ctx context.Context, key string, req PromotionRequest, branch TaskBranch, message string) {
	p.stop(ctx, key, req, branch, StateFailed, message)
}

// stop writes the terminal status for this run and publishes it. The entry is
// not touched again until a new run starts under the same key.
func (p *Pipeline) stop(ctx context.Context, key string, req PromotionRequest, branch TaskBranch, state, message string) {
	now := time.Now().UTC()
	p.registry.Put(key, ProcessStatus{State: state, Message: message, CompletedAt: &now})

	if err := p.notify.Publish(ctx, branch.Recipient, Notification{
		EntityType: "promotion",
		ProjectKey: req.ProjectKey,
		TaskKey:    req.TaskKey,
		Message:    message,
	}); err != nil {
		log.Printf("pipeline: publish status for %s: %v", key, err)
	}
}
