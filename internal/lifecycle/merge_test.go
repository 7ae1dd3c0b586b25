package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// testCoordinator returns a coordinator whose waits complete instantly while
// recording each requested sleep duration.
func testCoordinator(client VersioningClient) (*Coordinator, *[]time.Duration) {
	c := NewCoordinator(client)
	var sleeps []time.Duration
	c.wait = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return c, &sleeps
}

func TestMergeBackoffSequence(t *testing.T) {
	polls := 0
	client := &fakeVersioning{
		getMergeFn: func(ctx context.Context, mergeID string) (MergeResult, error) {
			polls++
			if polls < 6 {
				return MergeResult{Status: MergeInProgress}, nil
			}
			return MergeResult{Status: MergeCompleted}, nil
		},
	}
	c, sleeps := testCoordinator(client)

	result, err := c.Merge(context.Background(), "P/P-1", "P/main", "")
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if result.Status != MergeCompleted {
		t.Fatalf("expected Completed, got %s", result.Status)
	}

	want := []time.Duration{4, 6, 8, 10, 10, 10}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %d: %v", len(want), len(*sleeps), *sleeps)
	}
	for i, d := range *sleeps {
		if d != want[i]*time.Second {
			t.Errorf("sleep %d: expected %ds, got %v", i+1, want[i], d)
		}
	}
}

func TestMergeWaitBudget(t *testing.T) {
	client := &fakeVersioning{
		getMergeFn: func(ctx context.Context, mergeID string) (MergeResult, error) {
			return MergeResult{Status: MergeInProgress}, nil
		},
	}
	c, sleeps := testCoordinator(client)

	result, err := c.Merge(context.Background(), "P/P-1", "P/main", "")
	if !errors.Is(err, ErrMergeTimeout) {
		t.Fatalf("expected ErrMergeTimeout, got %v", err)
	}
	if result.Status != MergeInProgress {
		t.Fatalf("expected last observed status InProgress, got %q", result.Status)
	}

	var total time.Duration
	for _, d := range *sleeps {
		total += d
	}
	if total > 3600*time.Second {
		t.Fatalf("cumulative wait %v exceeds the one hour budget", total)
	}
	if total < 3500*time.Second {
		t.Fatalf("coordinator gave up too early, only waited %v", total)
	}
}

func TestMergeConflictsIsTerminal(t *testing.T) {
	client := &fakeVersioning{
		getMergeFn: func(ctx context.Context, mergeID string) (MergeResult, error) {
			return MergeResult{Status: MergeConflicts, Error: &MergeError{Message: "3 conflicting items"}}, nil
		},
	}
	c, sleeps := testCoordinator(client)

	result, err := c.Merge(context.Background(), "P/P-1", "P/main", "")
	if err != nil {
		t.Fatalf("conflicts must not be an error: %v", err)
	}
	if result.Status != MergeConflicts {
		t.Fatalf("expected Conflicts, got %s", result.Status)
	}
	if result.ErrorMessage() != "3 conflicting items" {
		t.Fatalf("unexpected error message %q", result.ErrorMessage())
	}
	if len(*sleeps) != 1 {
		t.Fatalf("expected a single poll, got %d", len(*sleeps))
	}
}

func TestMergeStartFailure(t *testing.T) {
	client := &fakeVersioning{
		startMergeFn: func(ctx context.Context, source, target, reviewID string) (string, error) {
			return "", fmt.Errorf("versioning unavailable")
		},
	}
	c, sleeps := testCoordinator(client)

	if _, err := c.Merge(context.Background(), "P/P-1", "P/main", ""); err == nil {
		t.Fatal("expected start error")
	}
	if len(*sleeps) != 0 {
		t.Fatalf("no polling should happen when start fails, got %d sleeps", len(*sleeps))
	}
}

func TestMergePollFailureAborts(t *testing.T) {
	client := &fakeVersioning{
		getMergeFn: func(ctx context.Context, mergeID string) (MergeResult, error) {
			return MergeResult{}, fmt.Errorf("connection reset")
		},
	}
	c, _ := testCoordinator(client)

	if _, err := c.Merge(context.Background(), "P/P-1", "P/main", ""); err == nil {
		t.Fatal("expected poll error to abort the wait")
	}
}

func TestMergeInterruptedWait(t *testing.T) {
	c := NewCoordinator(&fakeVersioning{
		getMergeFn: func(ctx context.Context, mergeID string) (MergeResult, error) {
			return MergeResult{Status: MergeInProgress}, nil
		},
	})
	c.wait = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	_, err := c.Merge(context.Background(), "P/P-1", "P/main", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interruption to surface, got %v", err)
	}
}

func TestGenerateReviewPollsUntilCurrent(t *testing.T) {
	polls := 0
	client := &fakeVersioning{
		getMergeReviewResultFn: func(ctx context.Context, reviewID string) (string, error) {
			polls++
			if polls < 3 {
				return "InProgress", nil
			}
			return ReviewCurrent, nil
		},
	}
	c, sleeps := testCoordinator(client)

	reviewID, err := c.GenerateReview(context.Background(), "P/main", "P/P-1")
	if err != nil {
		t.Fatalf("GenerateReview failed: %v", err)
	}
	if reviewID != "review-1" {
		t.Fatalf("unexpected review id %q", reviewID)
	}
	want := []time.Duration{4 * time.Second, 6 * time.Second, 8 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), *sleeps)
	}
}
