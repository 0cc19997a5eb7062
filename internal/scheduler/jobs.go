package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/tally/internal/work"
)

// Trigger wakes the work processor
type Trigger interface {
	Trigger()
}

// Executor runs one work item immediately
type Executor interface {
	ExecuteNow(ctx context.Context, workTypeID string, subject string) error
}

// ProcessorTickJob nudges the work processor so due work is picked up even
// when nothing else triggered it.
type ProcessorTickJob struct {
	processor Trigger
}

// NewProcessorTickJob creates a new ProcessorTickJob
func NewProcessorTickJob(processor Trigger) *ProcessorTickJob {
	return &ProcessorTickJob{processor: processor}
}

// Name returns the job name
func (j *ProcessorTickJob) Name() string {
	return "processor_tick"
}

// Run executes the tick
func (j *ProcessorTickJob) Run(ctx context.Context) error {
	j.processor.Trigger()
	return nil
}

// SweepJob executes every subject of a work type on its own schedule,
// regardless of when the processor last completed it. The sync sweep and
// the daily rate pull use it.
type SweepJob struct {
	registry   *work.Registry
	executor   Executor
	workTypeID string
}

// NewSweepJob creates a sweep over the given work type
func NewSweepJob(registry *work.Registry, executor Executor, workTypeID string) *SweepJob {
	return &SweepJob{registry: registry, executor: executor, workTypeID: workTypeID}
}

// Name returns the job name
func (j *SweepJob) Name() string {
	return "sweep:" + j.workTypeID
}

// Run executes each subject in turn. One failing subject does not stop the
// others; all failures are returned together.
func (j *SweepJob) Run(ctx context.Context) error {
	wt := j.registry.Get(j.workTypeID)
	if wt == nil {
		return fmt.Errorf("work type %s is not registered", j.workTypeID)
	}

	var errs []error
	for _, subject := range wt.FindSubjects() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.executor.ExecuteNow(ctx, j.workTypeID, subject); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
