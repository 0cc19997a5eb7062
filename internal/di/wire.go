package di

import (
	"context"
	"fmt"

	"github.com/aristath/tally/internal/config"
	"github.com/rs/zerolog"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Initialize databases
// 2. Initialize repositories
// 3. Initialize services
// 4. Initialize the work processor
// 5. Register scheduler jobs
//
// Nothing is started; the caller runs the processor and scheduler.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	InitializeRepositories(container, cfg, log)

	if err := InitializeServices(context.Background(), container, cfg, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := InitializeWork(container, cfg, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to initialize work processor: %w", err)
	}

	if err := RegisterJobs(container, cfg, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")

	return container, nil
}

// Close waits for in-flight sync tasks and closes the databases. The
// processor and scheduler must already be stopped.
func (c *Container) Close() {
	if c.SyncPool != nil {
		c.SyncPool.Wait()
	}
	c.closeDatabases()
}
