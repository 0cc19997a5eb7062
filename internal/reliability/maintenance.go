package reliability

import (
	"context"
	"fmt"
	"sort"

	"github.com/aristath/tally/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	criticalFreeBytes = 500 << 20
	lowFreeBytes      = 5 << 30
)

// MaintenanceService performs daily database upkeep: a free disk space
// check, query planner statistics and reclaiming free pages.
type MaintenanceService struct {
	databases map[string]*database.DB
	dataDir   string
	log       zerolog.Logger
	diskUsage func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewMaintenanceService creates a new maintenance service. Nil databases
// are skipped.
func NewMaintenanceService(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("service", "maintenance").Logger(),
		diskUsage: disk.UsageWithContext,
	}
}

// RunMaintenance runs one maintenance pass. Too little free disk space
// aborts it; individual database failures are logged and skipped.
func (s *MaintenanceService) RunMaintenance(ctx context.Context) error {
	if err := s.checkDiskSpace(ctx); err != nil {
		return err
	}

	names := make([]string, 0, len(s.databases))
	for name, db := range s.databases {
		if db != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		db := s.databases[name]
		if err := s.maintain(ctx, db); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Database maintenance failed")
			continue
		}

		stats, err := db.GetStats()
		if err != nil {
			s.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
			continue
		}
		s.log.Info().
			Str("database", name).
			Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
			Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
			Int64("free_pages", stats.FreelistCount).
			Msg("Database metrics")
	}
	return nil
}

func (s *MaintenanceService) maintain(ctx context.Context, db *database.DB) error {
	if _, err := db.Conn().ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("optimize failed: %w", err)
	}
	// The ledger runs without auto_vacuum and keeps its free pages
	if db.Profile() == database.ProfileLedger {
		return nil
	}
	if _, err := db.Conn().ExecContext(ctx, "PRAGMA incremental_vacuum"); err != nil {
		return fmt.Errorf("incremental vacuum failed: %w", err)
	}
	return nil
}

func (s *MaintenanceService) checkDiskSpace(ctx context.Context) error {
	usage, err := s.diskUsage(ctx, s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read disk usage: %w", err)
	}

	freeGB := float64(usage.Free) / 1e9
	switch {
	case usage.Free < criticalFreeBytes:
		s.log.Error().Float64("free_gb", freeGB).Msg("Insufficient disk space")
		return fmt.Errorf("only %.2f GB free in %s", freeGB, s.dataDir)
	case usage.Free < lowFreeBytes:
		s.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	default:
		s.log.Debug().Float64("free_gb", freeGB).Msg("Disk space check")
	}
	return nil
}
