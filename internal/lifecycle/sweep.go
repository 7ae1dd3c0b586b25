package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
)

// Sweeper periodically rebases every eligible branch so they do not drift too
// far behind their parents. Branches flagged scheduled-rebase-disabled,
// rebase-disabled or locked are excluded, as are branches already UpToDate or
// Forward. One branch failing or conflicting never aborts the rest of the
// sweep.
type Sweeper struct {
	lister   BranchLister
	merges   merger
	versions VersioningClient
	identity string

	running atomic.Bool
}

// NewSweeper builds a sweeper acting as the given service identity; the
// identity is recorded as the author of every sweep rebase.
func NewSweeper(lister BranchLister, merges merger, versions VersioningClient, identity string) *Sweeper {
	return &Sweeper{lister: lister, merges: merges, versions: versions, identity: identity}
}

// Run performs one sweep pass. A trigger that fires while a pass is still in
// progress is a no-op and returns ErrSweepInProgress; overlapping passes are
// never queued.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		log.Printf("sweep: pass already in progress, skipping trigger")
		return ErrSweepInProgress
	}
	defer s.running.Store(false)

	ctx = WithIdentity(ctx, s.identity)

	branches, err := s.lister.ListBranches(ctx)
	if err != nil {
		return fmt.Errorf("list branches for sweep: %w", err)
	}

	var rebased, skipped, failed int
	for _, branch := range branches {
		if branch.ScheduledRebaseDisabled || branch.RebaseDisabled || branch.Locked {
			skipped++
			continue
		}
		merged, err := s.sweepBranch(ctx, branch)
		if err != nil {
			failed++
			log.Printf("sweep: %s: %v", branch.Path, err)
			continue
		}
		if merged {
			rebased++
		} else {
			skipped++
		}
	}
	log.Printf("sweep: pass done, %d rebased, %d skipped, %d failed of %d", rebased, skipped, failed, len(branches))
	return nil
}

// sweepBranch reports whether a rebase merge was actually performed; branches
// already current against their parent are left alone.
func (s *Sweeper) sweepBranch(ctx context.Context, branch SweepBranch) (bool, error) {
	info, err := s.versions.GetBranch(ctx, branch.Path)
	if err != nil {
		return false, fmt.Errorf("read branch: %w", err)
	}
	if info.Relation == RelationUpToDate || info.Relation == RelationForward {
		return false, nil
	}

	reviewID, err := s.merges.GenerateReview(ctx, branch.ParentPath, branch.Path)
	if err != nil {
		return false, fmt.Errorf("generate review: %w", err)
	}
	conflicts, err := s.versions.GetMergeReviewConflicts(ctx, reviewID)
	if err != nil {
		return false, fmt.Errorf("read review %s: %w", reviewID, err)
	}
	if len(conflicts) > 0 {
		return false, fmt.Errorf("skipped, %d conflicting items", len(conflicts))
	}

	result, err := s.merges.Merge(ctx, branch.ParentPath, branch.Path, reviewID)
	if err != nil {
		return false, fmt.Errorf("rebase merge: %w", err)
	}
	if result.Status != MergeCompleted {
		return false, fmt.Errorf("rebase finished with status %s: %s", result.Status, result.ErrorMessage())
	}
	log.Printf("sweep: rebased %s", branch.Path)
	return true, nil
}
