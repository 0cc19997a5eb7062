package di

import (
	"strconv"

	"github.com/aristath/tally/internal/config"
	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/work"
	"github.com/rs/zerolog"
)

// InitializeWork creates the work registry and processor and registers the
// periodic sync and maintenance work types.
func InitializeWork(container *Container, cfg *config.Config, log zerolog.Logger) error {
	registry := work.NewRegistry()
	completion := work.NewCompletionTracker()
	processor := work.NewProcessor(registry, completion, work.WorkTimeout, log)

	work.RegisterSyncWorkTypes(registry, &work.SyncDeps{
		Connections: container.SyncService,
		Rates:       container.CurrencyService,
		Log:         log,
	})

	maintenance := &work.MaintenanceDeps{
		SyncStatus: container.SyncService,
		Cache:      container.ClientDataRepo,
		Databases:  container.MaintenanceService,
	}
	// A nil *BackupService in the interface would not read as nil
	if container.BackupService != nil {
		maintenance.Backup = container.BackupService
	}
	work.RegisterMaintenanceWorkTypes(registry, maintenance)

	if err := registry.Validate(); err != nil {
		return err
	}

	registerTriggers(container, completion)

	container.WorkRegistry = registry
	container.WorkCompletion = completion
	container.WorkProcessor = processor

	log.Info().Int("work_types", registry.Count()).Msg("Work processor initialized")
	return nil
}

// registerTriggers makes work due early in response to events
func registerTriggers(container *Container, completion *work.CompletionTracker) {
	// A deactivated connection has nothing left to sync until it is
	// reauthorized; forget its last run so it is picked up right after.
	container.EventBus.Subscribe(events.ConnectionDeactivated, func(e *events.Event) {
		id, ok := e.Data["connection_id"].(float64)
		if !ok {
			return
		}
		completion.Clear("sync:connections", strconv.FormatInt(int64(id), 10))
	})
}
