package lifecycle

import (
	"context"
	"fmt"
	"time"
)

const (
	pollInitialDelay = 4 * time.Second
	pollDelayStep    = 2 * time.Second
	pollMaxDelay     = 10 * time.Second
	pollWaitBudget   = 3600 * time.Second
)

// Coordinator performs one synchronous merge (or merge review) against the
// versioning service, polling until the job reaches a terminal state.
//
// Poll policy: sleep 4s before the first status check, then grow the sleep by
// 2s per poll up to 10s. The cumulative wait never exceeds one hour; past the
// budget the coordinator returns the last observed result together with
// ErrMergeTimeout so callers can tell a timeout from a terminal outcome.
type Coordinator struct {
	client VersioningClient

	// wait is replaceable in tests; the default sleeps or aborts when the
	// context is cancelled.
	wait func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(client VersioningClient) *Coordinator {
	return &Coordinator{client: client, wait: waitFor}
}

func waitFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Merge starts a merge of source into target and blocks until the merge job
// leaves its pending states. A non-nil error means the merge outcome is
// unknown (start failed, a poll failed, the wait was interrupted, or the wait
// budget ran out); conflict and failure outcomes are reported through the
// returned MergeResult, not the error.
func (c *Coordinator) Merge(ctx context.Context, source, target, reviewID string) (MergeResult, error) {
	mergeID, err := c.client.StartMerge(ctx, source, target, reviewID)
	if err != nil {
		return MergeResult{}, fmt.Errorf("start merge %s -> %s: %w", source, target, err)
	}

	var last MergeResult
	err = c.poll(ctx, func(ctx context.Context) (bool, error) {
		result, err := c.client.GetMerge(ctx, mergeID)
		if err != nil {
			return false, fmt.Errorf("poll merge %s: %w", mergeID, err)
		}
		last = result
		return !result.pending(), nil
	})
	return last, err
}

// GenerateReview creates a merge review of source against target and blocks
// until the review reaches Current, returning its identifier so the caller
// can inspect conflicting items before committing to a merge.
func (c *Coordinator) GenerateReview(ctx context.Context, source, target string) (string, error) {
	reviewID, err := c.client.CreateMergeReview(ctx, source, target)
	if err != nil {
		return "", fmt.Errorf("create merge review %s -> %s: %w", source, target, err)
	}

	err = c.poll(ctx, func(ctx context.Context) (bool, error) {
		status, err := c.client.GetMergeReviewResult(ctx, reviewID)
		if err != nil {
			return false, fmt.Errorf("poll merge review %s: %w", reviewID, err)
		}
		return status == ReviewCurrent, nil
	})
	if err != nil {
		return "", err
	}
	return reviewID, nil
}

// poll drives the shared backoff loop. check reports whether the remote job
// is terminal.
func (c *Coordinator) poll(ctx context.Context, check func(context.Context) (bool, error)) error {
	delay := pollInitialDelay
	var waited time.Duration
	for {
		if waited+delay > pollWaitBudget {
			return ErrMergeTimeout
		}
		if err := c.wait(ctx, delay); err != nil {
			return fmt.Errorf("merge wait interrupted: %w", err)
		}
		waited += delay

		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if delay < pollMaxDelay {
			delay += pollDelayStep
		}
	}
}
