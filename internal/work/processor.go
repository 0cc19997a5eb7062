package work

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/rs/zerolog"
)

// Processor executes work items one at a time, respecting priorities,
// intervals and dependencies. Failed items go to a retry queue.
type Processor struct {
	registry   *Registry
	completion *CompletionTracker
	timeout    time.Duration
	log        zerolog.Logger

	trigger    chan struct{}
	done       chan struct{}
	stop       chan struct{}
	stopped    chan struct{}
	retryQueue []*WorkItem
	inFlight   map[string]bool
	mu         sync.Mutex
}

// NewProcessor creates a new work processor. A non-positive timeout means WorkTimeout.
func NewProcessor(registry *Registry, completion *CompletionTracker, timeout time.Duration, log zerolog.Logger) *Processor {
	if timeout <= 0 {
		timeout = WorkTimeout
	}
	return &Processor{
		registry:   registry,
		completion: completion,
		timeout:    timeout,
		log:        log.With().Str("component", "work_processor").Logger(),
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		inFlight:   make(map[string]bool),
	}
}

// Run starts the processor loop. It blocks until Stop is called.
func (p *Processor) Run() {
	defer close(p.stopped)

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.processOne()
		case <-p.done:
			p.processOne()
		}
	}
}

// Stop stops the processor loop. Work already running finishes on its own.
func (p *Processor) Stop() {
	close(p.stop)
	<-p.stopped
}

// Trigger wakes up the processor to check for work. Never blocks.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// ExecuteNow runs a work type synchronously, bypassing interval and
// dependency checks. Used for manual triggers.
func (p *Processor) ExecuteNow(ctx context.Context, workTypeID string, subject string) error {
	wt := p.registry.Get(workTypeID)
	if wt == nil {
		return apperrors.NotFound("unknown work type: %s", workTypeID)
	}

	item := NewWorkItem(wt, subject)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := wt.Execute(ctx, item.Subject); err != nil {
		return err
	}
	p.completion.MarkCompleted(item)
	return nil
}

// processOne finds and starts the next eligible work item
func (p *Processor) processOne() {
	p.mu.Lock()
	if len(p.inFlight) > 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	item, wt := p.findNextWork()
	if item == nil {
		item, wt = p.popRetryQueue()
	}
	if item == nil {
		return
	}

	p.mu.Lock()
	p.inFlight[item.ID] = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, item.ID)
			p.mu.Unlock()

			select {
			case p.done <- struct{}{}:
			default:
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		started := time.Now()
		err := wt.Execute(ctx, item.Subject)
		if err == nil {
			p.completion.MarkCompleted(item)
			p.log.Debug().Str("work", item.ID).Dur("took", time.Since(started)).Msg("Work completed")
			return
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.log.Error().Str("work", item.ID).Msg("Work timed out")
		} else {
			p.log.Error().Err(err).Str("work", item.ID).Msg("Work failed")
		}

		item.Retries++
		if item.Retries < MaxRetries {
			p.pushRetryQueue(item)
			return
		}
		p.log.Warn().Str("work", item.ID).Int("retries", item.Retries).Msg("Max retries reached, skipping")
		// Counts as done so the interval applies before the next attempt
		p.completion.MarkCompleted(item)
	}()
}

// findNextWork returns the first due work item in priority order
func (p *Processor) findNextWork() (*WorkItem, *WorkType) {
	for _, wt := range p.registry.ByPriority() {
		subjects := wt.FindSubjects()
		for _, subject := range subjects {
			if wt.Interval > 0 && !p.completion.IsStale(wt.ID, subject, wt.Interval) {
				continue
			}
			if wt.Interval == 0 {
				// On-demand work only runs through ExecuteNow
				continue
			}
			if p.queued(NewWorkItem(wt, subject).ID) {
				continue
			}
			if !p.dependenciesMet(wt, subject) {
				continue
			}
			return NewWorkItem(wt, subject), wt
		}
	}
	return nil, nil
}

// dependenciesMet checks that every dependency completed for the same subject
func (p *Processor) dependenciesMet(wt *WorkType, subject string) bool {
	for _, depID := range wt.DependsOn {
		if _, exists := p.completion.GetCompletion(depID, subject); !exists {
			return false
		}
	}
	return true
}

func (p *Processor) queued(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, item := range p.retryQueue {
		if item.ID == id {
			return true
		}
	}
	return false
}

func (p *Processor) pushRetryQueue(item *WorkItem) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.retryQueue = append(p.retryQueue, item)
}

func (p *Processor) popRetryQueue() (*WorkItem, *WorkType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.retryQueue) > 0 {
		item := p.retryQueue[0]
		p.retryQueue = p.retryQueue[1:]
		if wt := p.registry.Get(item.TypeID); wt != nil {
			return item, wt
		}
	}
	return nil, nil
}
