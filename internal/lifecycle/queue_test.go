package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingRunner struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingRunner) Run(ctx context.Context, req PromotionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, req.ProjectKey+"/"+req.TaskKey)
}

func (r *recordingRunner) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	copy(out, r.seen)
	return out
}

func TestQueueWorkerProcessesInSubmissionOrder(t *testing.T) {
	runner := &recordingRunner{}
	registry := NewRegistry()
	w := NewQueueWorker(runner, registry)

	w.Enqueue(PromotionRequest{ProjectKey: "P", TaskKey: "P-1"})
	w.Enqueue(PromotionRequest{ProjectKey: "P", TaskKey: "P-2"})

	for _, task := range []string{"P-1", "P-2"} {
		status, ok := registry.Get(JobKey("P", task))
		if !ok || status.State != StateQueued {
			t.Fatalf("expected %s to be Queued, got %+v ok=%v", task, status, ok)
		}
	}

	w.Start(context.Background())
	w.Close()

	order := runner.order()
	if len(order) != 2 || order[0] != "P/P-1" || order[1] != "P/P-2" {
		t.Fatalf("expected FIFO order, got %v", order)
	}
}

func TestQueueWorkerEnqueueAfterCloseMarksFailed(t *testing.T) {
	runner := &recordingRunner{}
	registry := NewRegistry()
	w := NewQueueWorker(runner, registry)
	w.Start(context.Background())
	w.Close()

	w.Enqueue(PromotionRequest{ProjectKey: "P", TaskKey: "P-9"})

	status, ok := registry.Get(JobKey("P", "P-9"))
	if !ok {
		t.Fatal("dropped job must still be visible in the registry")
	}
	if status.State != StateFailed {
		t.Fatalf("expected Failed, got %s", status.State)
	}
	if len(runner.order()) != 0 {
		t.Fatal("closed worker must not run jobs")
	}
}

type slowRunner struct {
	started chan string
	release chan struct{}
}

func (r *slowRunner) Run(ctx context.Context, req PromotionRequest) {
	r.started <- req.TaskKey
	<-r.release
}

func TestQueueWorkerSerializesExecution(t *testing.T) {
	runner := &slowRunner{started: make(chan string), release: make(chan struct{})}
	w := NewQueueWorker(runner, NewRegistry())
	w.Start(context.Background())

	w.Enqueue(PromotionRequest{ProjectKey: "P", TaskKey: "P-1"})
	w.Enqueue(PromotionRequest{ProjectKey: "P", TaskKey: "P-2"})

	first := <-runner.started
	if first != "P-1" {
		t.Fatalf("expected P-1 first, got %s", first)
	}

	// P-2 must not start while P-1 is still running.
	select {
	case task := <-runner.started:
		t.Fatalf("second job %s started before the first finished", task)
	case <-time.After(50 * time.Millisecond):
	}

	runner.release <- struct{}{}
	if second := <-runner.started; second != "P-2" {
		t.Fatalf("expected P-2 second, got %s", second)
	}
	runner.release <- struct{}{}
	w.Close()
}
