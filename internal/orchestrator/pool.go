package orchestrator

import (
	"context"
	"time"

	"github.com/harrison/maestro/internal/agent"
)

// workerFuture tracks one in-flight worker process. The goroutine only
// supervises the subprocess; the actual work happens in the separate OS
// process the runner spawns.
type workerFuture struct {
	subtaskID string
	done      chan struct{}
	result    agent.Result
}

// workerPool holds the futures of running workers, keyed by subtask id.
// It is only touched from the supervisor goroutine, so no locking is
// needed beyond each future's done channel.
type workerPool struct {
	futures map[string]*workerFuture
}

func newWorkerPool() *workerPool {
	return &workerPool{futures: make(map[string]*workerFuture)}
}

// Submit launches a worker and registers its future. The background
// context deliberately ignores loop cancellation: a stop request drains
// running workers instead of killing them mid-edit.
func (p *workerPool) Submit(runner WorkerRunner, subtaskID, dir, prompt string, timeout time.Duration) {
	f := &workerFuture{subtaskID: subtaskID, done: make(chan struct{})}
	p.futures[subtaskID] = f
	go func() {
		f.result = runner.Run(context.Background(), dir, prompt, timeout)
		close(f.done)
	}()
}

// HarvestDone removes and returns every finished future.
func (p *workerPool) HarvestDone() []*workerFuture {
	var finished []*workerFuture
	for id, f := range p.futures {
		select {
		case <-f.done:
			finished = append(finished, f)
			delete(p.futures, id)
		default:
		}
	}
	return finished
}

// Len returns the number of in-flight workers.
func (p *workerPool) Len() int {
	return len(p.futures)
}

// Wait blocks until every in-flight worker finishes or the grace period
// elapses. It does not harvest; the caller calls HarvestDone after.
func (p *workerPool) Wait(grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for _, f := range p.futures {
		select {
		case <-f.done:
		case <-deadline.C:
			return
		}
	}
}
