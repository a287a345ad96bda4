package scheduler

import (
	"context"
	"sync"

	"pingrobot/internal/models"
)

type job struct {
	ctx      context.Context
	schedule models.Schedule
}

// WorkerPool runs schedule executions on a fixed number of goroutines.
type WorkerPool struct {
	jobs     chan job
	handle   func(context.Context, models.Schedule)
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerPool starts size workers that call handle for each submitted
// schedule. The queue holds twice as many jobs as there are workers.
func NewWorkerPool(size int, handle func(context.Context, models.Schedule)) *WorkerPool {
	if size < 1 {
		size = 1
	}
	pool := &WorkerPool{
		jobs:   make(chan job, size*2),
		handle: handle,
	}
	pool.startWorkers(size)
	return pool
}

func (p *WorkerPool) startWorkers(count int) {
	p.wg.Add(count)
	for i := 0; i < count; i++ {
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				p.handle(j.ctx, j.schedule)
			}
		}()
	}
}

// Submit queues a schedule without blocking. It returns false if the queue is full.
func (p *WorkerPool) Submit(ctx context.Context, schedule models.Schedule) bool {
	select {
	case p.jobs <- job{ctx: ctx, schedule: schedule}:
		return true
	default:
		return false
	}
}

// Stop waits for queued and running jobs to finish. Submit must not be called afterwards.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
	})
}
