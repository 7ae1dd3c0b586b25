package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testRef() BranchRef {
	return BranchRef{
		Path:       "P/P-1",
		ProjectKey: "P",
		TaskKey:    "P-1",
		Recipient:  "author@local.loom.dev",
	}
}

func TestStartCheckCompletesAndInvalidatesCache(t *testing.T) {
	waited := make(chan struct{})
	engine := &fakeEngine{
		waitForCompletionFn: func(ctx context.Context, handle string) error {
			<-waited
			return nil
		},
	}
	cache := &fakeCache{}
	notify := &fakeNotify{}
	c := NewClassifier(engine, cache, notify)

	handle, err := c.StartCheck(context.Background(), testRef())
	if err != nil {
		t.Fatalf("StartCheck failed: %v", err)
	}
	if handle != "run-1" {
		t.Fatalf("unexpected handle %q", handle)
	}

	close(waited)
	deadline := time.After(time.Second)
	for len(cache.invalidatedPaths()) == 0 {
		select {
		case <-deadline:
			t.Fatal("cache was not invalidated after completion")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if paths := cache.invalidatedPaths(); paths[0] != "P/P-1" {
		t.Fatalf("invalidated wrong branch: %v", paths)
	}

	for len(notify.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no completion notification published")
		case <-time.After(5 * time.Millisecond):
		}
	}
	published := notify.all()[0]
	if published.Notification.TaskKey != "P-1" || published.Recipient != "author@local.loom.dev" {
		t.Fatalf("notification missing ticket identity: %+v", published)
	}
}

func TestStartCheckCachesResultAfterCompletion(t *testing.T) {
	engine := &fakeEngine{
		hasOutstandingChangesFn: func(ctx context.Context, handle string) (bool, error) {
			return true, nil
		},
	}
	cache := &fakeCache{}
	c := NewClassifier(engine, cache, &fakeNotify{})

	if _, err := c.StartCheck(context.Background(), testRef()); err != nil {
		t.Fatalf("StartCheck failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		result, ok, err := c.LatestResult(context.Background(), "P/P-1")
		if err != nil {
			t.Fatalf("LatestResult failed: %v", err)
		}
		if ok {
			if result.Handle != "run-1" || !result.Outstanding {
				t.Fatalf("unexpected cached result: %+v", result)
			}
			if result.CheckedAt.IsZero() {
				t.Fatal("cached result has no timestamp")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("completed run was never cached")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLatestResultMissWhenNoRunFinished(t *testing.T) {
	c := NewClassifier(&fakeEngine{}, &fakeCache{}, &fakeNotify{})

	if _, ok, err := c.LatestResult(context.Background(), "P/P-1"); err != nil || ok {
		t.Fatalf("expected a clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestStartCheckRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	engine := &fakeEngine{
		waitForCompletionFn: func(ctx context.Context, handle string) error {
			<-release
			return nil
		},
	}
	c := NewClassifier(engine, &fakeCache{}, &fakeNotify{})

	if _, err := c.StartCheck(context.Background(), testRef()); err != nil {
		t.Fatalf("first StartCheck failed: %v", err)
	}
	if _, err := c.StartCheck(context.Background(), testRef()); !errors.Is(err, ErrCheckInProgress) {
		t.Fatalf("expected ErrCheckInProgress, got %v", err)
	}
	close(release)
}

func TestStartCheckRejectsWhenEngineBusy(t *testing.T) {
	engine := &fakeEngine{
		isRunningFn: func(ctx context.Context, path string) (bool, error) {
			return true, nil
		},
	}
	c := NewClassifier(engine, &fakeCache{}, &fakeNotify{})

	if _, err := c.StartCheck(context.Background(), testRef()); !errors.Is(err, ErrCheckInProgress) {
		t.Fatalf("expected ErrCheckInProgress, got %v", err)
	}
	// The local lock must be released after the rejection.
	engine.isRunningFn = nil
	if _, err := c.StartCheck(context.Background(), testRef()); err != nil {
		t.Fatalf("lock leaked after engine rejection: %v", err)
	}
}

func TestRunCheckReportsOutstandingChanges(t *testing.T) {
	engine := &fakeEngine{
		hasOutstandingChangesFn: func(ctx context.Context, handle string) (bool, error) {
			return true, nil
		},
	}
	cache := &fakeCache{}
	c := NewClassifier(engine, cache, &fakeNotify{})

	outstanding, err := c.RunCheck(context.Background(), testRef())
	if err != nil {
		t.Fatalf("RunCheck failed: %v", err)
	}
	if !outstanding {
		t.Fatal("expected outstanding changes")
	}

	result, ok, err := cache.Get(context.Background(), "P/P-1")
	if err != nil || !ok {
		t.Fatalf("synchronous run did not cache its result: ok=%v err=%v", ok, err)
	}
	if !result.Outstanding {
		t.Fatalf("cached result disagrees with the run: %+v", result)
	}
}

func TestRunCheckReleasesLockOnFailure(t *testing.T) {
	engine := &fakeEngine{
		startFn: func(ctx context.Context, path string) (string, error) {
			return "", fmt.Errorf("engine rejected run")
		},
	}
	c := NewClassifier(engine, &fakeCache{}, &fakeNotify{})

	if _, err := c.RunCheck(context.Background(), testRef()); err == nil {
		t.Fatal("expected start failure")
	}
	engine.startFn = nil
	if _, err := c.RunCheck(context.Background(), testRef()); err != nil {
		t.Fatalf("lock leaked after failure: %v", err)
	}
}
