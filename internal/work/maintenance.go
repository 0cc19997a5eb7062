package work

import (
	"context"
	"fmt"
	"time"
)

// StaleSyncResetter returns stuck queued/syncing statuses to idle
type StaleSyncResetter interface {
	ResetStale(ctx context.Context) (int64, error)
}

// CacheCleaner drops expired advisory cache entries
type CacheCleaner interface {
	DeleteAllExpired(ctx context.Context) (map[string]int64, error)
}

// BackupRunner snapshots the ledger and ships it off-site
type BackupRunner interface {
	RunBackup(ctx context.Context) error
}

// DatabaseMaintainer runs routine database upkeep
type DatabaseMaintainer interface {
	RunMaintenance(ctx context.Context) error
}

// MaintenanceDeps contains all dependencies for maintenance work types.
// Nil fields skip the matching work type.
type MaintenanceDeps struct {
	SyncStatus StaleSyncResetter
	Cache      CacheCleaner
	Backup     BackupRunner
	Databases  DatabaseMaintainer
}

// RegisterMaintenanceWorkTypes registers all maintenance work types with the registry
func RegisterMaintenanceWorkTypes(registry *Registry, deps *MaintenanceDeps) {
	global := func() []string { return []string{""} }

	// maintenance:stale-sync - release accounts left queued or syncing by a crash
	if deps.SyncStatus != nil {
		registry.Register(&WorkType{
			ID:           "maintenance:stale-sync",
			Priority:     PriorityCritical,
			Interval:     5 * time.Minute,
			FindSubjects: global,
			Execute: func(ctx context.Context, subject string) error {
				if _, err := deps.SyncStatus.ResetStale(ctx); err != nil {
					return fmt.Errorf("failed to reset stale sync statuses: %w", err)
				}
				return nil
			},
		})
	}

	// maintenance:cache-cleanup
	if deps.Cache != nil {
		registry.Register(&WorkType{
			ID:           "maintenance:cache-cleanup",
			Priority:     PriorityLow,
			Interval:     time.Hour,
			FindSubjects: global,
			Execute: func(ctx context.Context, subject string) error {
				if _, err := deps.Cache.DeleteAllExpired(ctx); err != nil {
					return fmt.Errorf("failed to cleanup cache: %w", err)
				}
				return nil
			},
		})
	}

	// maintenance:backup - daily ledger snapshot
	if deps.Backup != nil {
		registry.Register(&WorkType{
			ID:           "maintenance:backup",
			Priority:     PriorityLow,
			Interval:     24 * time.Hour,
			FindSubjects: global,
			Execute: func(ctx context.Context, subject string) error {
				if err := deps.Backup.RunBackup(ctx); err != nil {
					return fmt.Errorf("failed to run backup: %w", err)
				}
				return nil
			},
		})
	}

	// maintenance:databases - disk space check, optimize, reclaim free pages
	if deps.Databases != nil {
		registry.Register(&WorkType{
			ID:           "maintenance:databases",
			Priority:     PriorityLow,
			Interval:     24 * time.Hour,
			FindSubjects: global,
			Execute: func(ctx context.Context, subject string) error {
				if err := deps.Databases.RunMaintenance(ctx); err != nil {
					return fmt.Errorf("failed to run database maintenance: %w", err)
				}
				return nil
			},
		})
	}
}
