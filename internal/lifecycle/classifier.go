package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// BranchRef identifies the branch a consistency check runs on, together with
// the ticket identity the completion notification should carry.
type BranchRef struct {
	Path       string
	ProjectKey string
	TaskKey    string
	Recipient  string
}

// Classifier starts consistency/classification runs on the external engine
// and waits for their completion.
//
// A local per-branch lock backs up the remote IsRunning check: the
// check-then-start against the engine is not atomic, so without the lock two
// runs could start back to back on the same branch.
type Classifier struct {
	engine ClassificationClient
	cache  ResultCache
	notify NotificationSink

	mu      sync.Mutex
	running map[string]bool
}

func NewClassifier(engine ClassificationClient, cache ResultCache, notify NotificationSink) *Classifier {
	return &Classifier{
		engine:  engine,
		cache:   cache,
		notify:  notify,
		running: make(map[string]bool),
	}
}

func (c *Classifier) acquire(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[path] {
		return false
	}
	c.running[path] = true
	return true
}

func (c *Classifier) release(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, path)
}

// StartCheck begins an asynchronous consistency run on the branch and returns
// its handle. A detached goroutine blocks until the engine finishes, then
// refreshes the cached classification result for the branch and publishes a
// completion notification. ErrCheckInProgress is returned when a run is
// already active on the branch, locally or on the engine.
func (c *Classifier) StartCheck(ctx context.Context, ref BranchRef) (string, error) {
	if !c.acquire(ref.Path) {
		return "", ErrCheckInProgress
	}

	handle, err := c.start(ctx, ref.Path)
	if err != nil {
		c.release(ref.Path)
		return "", err
	}

	go func() {
		defer c.release(ref.Path)
		// Detached from the request: the wait outlives the caller's context.
		bg := context.Background()
		if err := c.engine.WaitForCompletion(bg, handle); err != nil {
			log.Printf("classify: wait for %s on %s: %v", handle, ref.Path, err)
			return
		}
		outstanding, err := c.engine.HasOutstandingChanges(bg, handle)
		if err != nil {
			log.Printf("classify: read result %s on %s: %v", handle, ref.Path, err)
			c.finish(bg, ref, nil)
			return
		}
		c.finish(bg, ref, &ClassificationResult{
			Handle:      handle,
			Outstanding: outstanding,
			CheckedAt:   time.Now().UTC(),
		})
	}()

	return handle, nil
}

// RunCheck performs a consistency run synchronously in the caller's goroutine
// and reports whether the engine found outstanding inferred changes. Used by
// the automated-promotion pipeline, which must not promote past pending
// semantic changes.
func (c *Classifier) RunCheck(ctx context.Context, ref BranchRef) (bool, error) {
	if !c.acquire(ref.Path) {
		return false, ErrCheckInProgress
	}
	defer c.release(ref.Path)

	handle, err := c.start(ctx, ref.Path)
	if err != nil {
		return false, err
	}
	if err := c.engine.WaitForCompletion(ctx, handle); err != nil {
		return false, fmt.Errorf("wait for classification %s: %w", handle, err)
	}

	outstanding, err := c.engine.HasOutstandingChanges(ctx, handle)
	if err != nil {
		return false, fmt.Errorf("read classification result %s: %w", handle, err)
	}
	c.finish(ctx, ref, &ClassificationResult{
		Handle:      handle,
		Outstanding: outstanding,
		CheckedAt:   time.Now().UTC(),
	})
	return outstanding, nil
}

// LatestResult returns the cached outcome of the most recent finished run on
// the branch. The cache answers without an engine round trip; a miss means no
// run has finished since the entry was last invalidated.
func (c *Classifier) LatestResult(ctx context.Context, path string) (ClassificationResult, bool, error) {
	return c.cache.Get(ctx, path)
}

func (c *Classifier) start(ctx context.Context, path string) (string, error) {
	busy, err := c.engine.IsRunning(ctx, path)
	if err != nil {
		return "", fmt.Errorf("check classification state for %s: %w", path, err)
	}
	if busy {
		return "", ErrCheckInProgress
	}

	handle, err := c.engine.Start(ctx, path)
	if err != nil {
		return "", fmt.Errorf("start classification for %s: %w", path, err)
	}
	return handle, nil
}

// finish refreshes the cached result for the branch and publishes the
// completion notification. A nil result means the run's outcome could not be
// read; the stale entry is still dropped.
func (c *Classifier) finish(ctx context.Context, ref BranchRef, result *ClassificationResult) {
	if err := c.cache.Invalidate(ctx, ref.Path); err != nil {
		log.Printf("classify: invalidate cache for %s: %v", ref.Path, err)
	}
	if result != nil {
		if err := c.cache.Put(ctx, ref.Path, *result); err != nil {
			log.Printf("classify: cache result for %s: %v", ref.Path, err)
		}
	}
	if err := c.notify.Publish(ctx, ref.Recipient, Notification{
		EntityType: "classification",
		ProjectKey: ref.ProjectKey,
		TaskKey:    ref.TaskKey,
		Message:    fmt.Sprintf("Consistency check completed for %s", ref.Path),
	}); err != nil {
		log.Printf("classify: publish completion for %s: %v", ref.Path, err)
	}
}
