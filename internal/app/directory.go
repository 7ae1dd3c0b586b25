package app

import (
	"context"

	"loom/api/internal/lifecycle"
	"loom/api/internal/store"
)

// BranchDirectory adapts the branch catalog to the lookup surfaces the
// lifecycle consumes: task resolution for the pipeline and the candidate list
// for the sweep.
type BranchDirectory struct {
	store dataStore
}

func NewBranchDirectory(store dataStore) *BranchDirectory {
	return &BranchDirectory{store: store}
}

func (d *BranchDirectory) ResolveTask(ctx context.Context, projectKey, taskKey string) (lifecycle.TaskBranch, error) {
	branch, err := d.store.ResolveBranch(ctx, projectKey, taskKey)
	if err != nil {
		return lifecycle.TaskBranch{}, err
	}
	return taskBranch(branch), nil
}

func (d *BranchDirectory) ListBranches(ctx context.Context) ([]lifecycle.SweepBranch, error) {
	branches, err := d.store.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]lifecycle.SweepBranch, 0, len(branches))
	for _, b := range branches {
		out = append(out, sweepBranch(b))
	}
	return out, nil
}

func sweepBranch(b store.Branch) lifecycle.SweepBranch {
	return lifecycle.SweepBranch{
		ProjectKey:              b.ProjectKey,
		TaskKey:                 b.TaskKey,
		Path:                    b.Path,
		ParentPath:              b.ParentPath,
		ScheduledRebaseDisabled: b.ScheduledRebaseDisabled,
		RebaseDisabled:          b.RebaseDisabled,
		Locked:                  b.Locked,
	}
}
