package lifecycle

import (
	"context"
	"strings"
	"testing"
)

func TestManualRebaseRecordsCompletion(t *testing.T) {
	merges := &fakeMerger{}
	registry := NewRegistry()
	m := NewManualRunner(merges, &fakeVersioning{}, &fakeNotify{})

	m.RunRebase(context.Background(), registry, PromotionRequest{ProjectKey: "P", TaskKey: "P-1"},
		TaskBranch{SourcePath: "P/P-1", TargetPath: "P/main"})

	status, ok := registry.Get(JobKey("P", "P-1"))
	if !ok || status.State != StateCompleted {
		t.Fatalf("expected Completed, got %+v", status)
	}
	if !strings.Contains(status.Message, "successfully rebased") {
		t.Fatalf("unexpected message %q", status.Message)
	}
}

func TestManualRebaseStopsOnConflictingReview(t *testing.T) {
	merges := &fakeMerger{}
	versions := &fakeVersioning{
		getMergeReviewConflictsFn: func(ctx context.Context, reviewID string) ([]string, error) {
			return []string{"doc"}, nil
		},
	}
	registry := NewRegistry()
	m := NewManualRunner(merges, versions, &fakeNotify{})

	m.RunRebase(context.Background(), registry, PromotionRequest{ProjectKey: "P", TaskKey: "P-1"},
		TaskBranch{SourcePath: "P/P-1", TargetPath: "P/main"})

	status, _ := registry.Get(JobKey("P", "P-1"))
	if status.State != StateRebaseConflicts {
		t.Fatalf("expected %q, got %s", StateRebaseConflicts, status.State)
	}
	if merges.mergeCount() != 0 {
		t.Fatal("merge must not run after a conflicting review")
	}
}

func TestManualPromotionFailureRecordsError(t *testing.T) {
	merges := &fakeMerger{
		mergeFn: func(ctx context.Context, source, target, reviewID string) (MergeResult, error) {
			return MergeResult{Status: MergeFailed, Error: &MergeError{Message: "target moved"}}, nil
		},
	}
	registry := NewRegistry()
	notify := &fakeNotify{}
	m := NewManualRunner(merges, &fakeVersioning{}, notify)

	m.RunPromotion(context.Background(), registry, PromotionRequest{ProjectKey: "P", TaskKey: "P-1"},
		TaskBranch{SourcePath: "P/P-1", TargetPath: "P/main", Recipient: "author@local.loom.dev"}, "review-7")

	status, _ := registry.Get(JobKey("P", "P-1"))
	if status.State != StatePromotionError {
		t.Fatalf("expected %q, got %s", StatePromotionError, status.State)
	}
	if status.Message != "target moved" {
		t.Fatalf("unexpected message %q", status.Message)
	}
	if len(notify.all()) != 1 {
		t.Fatal("failure must still publish a notification")
	}
}

func TestTaskPoolRunsSubmittedTasks(t *testing.T) {
	p := NewTaskPool(2)
	done := make(chan int, 8)
	for i := 0; i < 8; i++ {
		n := i
		if !p.Submit(func() { done <- n }) {
			t.Fatalf("submit %d rejected", n)
		}
	}
	p.Close()
	if len(done) != 8 {
		t.Fatalf("expected 8 completed tasks, got %d", len(done))
	}
}
