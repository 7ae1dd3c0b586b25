package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"
)

// promotionRunner is the slice of Pipeline the worker needs.
type promotionRunner interface {
	Run(ctx context.Context, req PromotionRequest)
}

// QueueWorker is the single consumer of automated-promotion requests. A lone
// background goroutine takes requests in FIFO order and invokes the pipeline
// synchronously, which serializes automated promotions globally without any
// further locking.
//
// The queue is unbounded: enqueue never blocks the caller. An enqueue after
// shutdown is not silently dropped; the job is marked Failed in the registry.
type QueueWorker struct {
	pipeline promotionRunner
	registry *Registry

	mu      sync.Mutex
	cond    *sync.Cond
	pending []PromotionRequest
	closed  bool
	done    chan struct{}
}

func NewQueueWorker(pipeline promotionRunner, registry *Registry) *QueueWorker {
	w := &QueueWorker{
		pipeline: pipeline,
		registry: registry,
		done:     make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start launches the consumer goroutine. It runs until Close is called and
// the queue drains.
func (w *QueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *QueueWorker) run(ctx context.Context) {
	defer close(w.done)
	for {
		req, ok := w.next()
		if !ok {
			return
		}
		w.pipeline.Run(ctx, req)
	}
}

func (w *QueueWorker) next() (PromotionRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.pending) == 0 && !w.closed {
		w.cond.Wait()
	}
	if len(w.pending) == 0 {
		return PromotionRequest{}, false
	}
	req := w.pending[0]
	w.pending = w.pending[1:]
	return req, true
}

// Enqueue submits an automated-promotion request. The job is visible in the
// registry as Queued immediately; execution order follows submission order.
func (w *QueueWorker) Enqueue(req PromotionRequest) {
	key := JobKey(req.ProjectKey, req.TaskKey)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		now := time.Now().UTC()
		w.registry.Put(key, ProcessStatus{
			State:       StateFailed,
			Message:     "Promotion queue is shut down",
			CompletedAt: &now,
		})
		log.Printf("queue: dropped promotion for %s, worker closed", key)
		return
	}
	w.registry.Put(key, ProcessStatus{State: StateQueued, Message: "Waiting for promotion worker"})
	w.pending = append(w.pending, req)
	w.mu.Unlock()
	w.cond.Signal()
}

// Close stops accepting requests and lets the worker drain what is already
// queued, then waits for it to exit.
func (w *QueueWorker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
	<-w.done
}
