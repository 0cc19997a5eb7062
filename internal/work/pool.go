package work

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Task is one unit of work submitted to a Pool. Key labels the task in logs.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

// Future is the pending result of a submitted task
type Future struct {
	ID   string
	done chan struct{}
	err  error
}

// Await blocks until the task finishes or ctx is done.
func (f *Future) Await(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the task has finished
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Pool runs tasks with bounded concurrency. A task failure only affects its
// own future.
type Pool struct {
	sem *semaphore.Weighted
	log zerolog.Logger
	wg  sync.WaitGroup
}

// NewPool creates a pool running at most size tasks at once.
func NewPool(size int, log zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		sem: semaphore.NewWeighted(int64(size)),
		log: log.With().Str("component", "work_pool").Logger(),
	}
}

// Submit schedules a task and returns immediately. The task waits for a free
// slot before running; if ctx ends first the future resolves with the
// context error.
func (p *Pool) Submit(ctx context.Context, task Task) *Future {
	f := &Future{ID: uuid.NewString(), done: make(chan struct{})}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(f.done)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer p.sem.Release(1)

		f.err = p.run(ctx, task)
		if f.err != nil {
			p.log.Debug().Err(f.err).Str("task", f.ID).Str("key", task.Key).Msg("Task failed")
		}
	}()

	return f
}

func (p *Pool) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

// Wait blocks until every submitted task has finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

// AwaitAll waits for all futures and returns their errors in order
func AwaitAll(ctx context.Context, futures []*Future) []error {
	errs := make([]error, len(futures))
	for i, f := range futures {
		errs[i] = f.Await(ctx)
	}
	return errs
}
