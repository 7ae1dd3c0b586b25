package lifecycle

import "sync"

// TaskPool runs manual rebase and promotion jobs on a small fixed set of
// workers instead of one goroutine per call, so the number of concurrent
// manual merges stays bounded. Callers observe progress through the status
// registries, never through a return value.
type TaskPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	closeOnce sync.Once
}

func NewTaskPool(workers int) *TaskPool {
	if workers <= 0 {
		workers = 4
	}
	p := &TaskPool{tasks: make(chan func(), workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit schedules a task. It reports false when the pool's backlog is full
// or the pool is closed, so the caller can record the job as failed instead
// of dropping it silently.
func (p *TaskPool) Submit(task func()) (submitted bool) {
	defer func() {
		if recover() != nil {
			submitted = false
		}
	}()
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks and waits for in-flight ones.
func (p *TaskPool) Close() {
	p.closeOnce.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
