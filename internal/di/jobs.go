package di

import (
	"fmt"

	"github.com/aristath/tally/internal/config"
	"github.com/aristath/tally/internal/scheduler"
	"github.com/rs/zerolog"
)

// processorTickSchedule wakes the work processor so interval-based work
// runs even when nothing triggered it
const processorTickSchedule = "@every 1m"

// databaseCheckSchedule runs integrity checks and WAL checkpoints
const databaseCheckSchedule = "0 15 * * * *"

// RegisterJobs creates the cron scheduler and registers every job. The
// scheduler is not started.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.WorkProcessor == nil {
		return fmt.Errorf("work processor must be initialized before jobs")
	}

	sched := scheduler.New(log)

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{processorTickSchedule, scheduler.NewProcessorTickJob(container.WorkProcessor)},
		{cfg.Sync.Schedule, scheduler.NewSweepJob(container.WorkRegistry, container.WorkProcessor, "sync:connections")},
		{cfg.Currency.RateSyncSchedule, scheduler.NewSweepJob(container.WorkRegistry, container.WorkProcessor, "sync:rates")},
		{databaseCheckSchedule, scheduler.NewCheckDatabasesJob(container.Databases(), log)},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", j.job.Name(), err)
		}
	}

	container.Scheduler = sched
	log.Info().Int("jobs", len(jobs)).Msg("Scheduler jobs registered")
	return nil
}
