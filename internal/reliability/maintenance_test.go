package reliability

import (
	"context"
	"errors"
	"testing"

	"github.com/aristath/tally/internal/database"
	testingpkg "github.com/aristath/tally/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMaintenanceFixture(t *testing.T, free uint64) *MaintenanceService {
	ledger, cleanupLedger := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)
	history, cleanupHistory := testingpkg.NewTestDB(t, "history")
	t.Cleanup(cleanupHistory)

	svc := NewMaintenanceService(map[string]*database.DB{
		"ledger":  ledger,
		"history": history,
		"cache":   nil,
	}, t.TempDir(), zerolog.Nop())
	svc.diskUsage = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: free}, nil
	}
	return svc
}

func TestRunMaintenance(t *testing.T) {
	svc := newMaintenanceFixture(t, 50<<30)
	require.NoError(t, svc.RunMaintenance(context.Background()))
}

func TestRunMaintenance_LowDiskStillRuns(t *testing.T) {
	svc := newMaintenanceFixture(t, 1<<30)
	require.NoError(t, svc.RunMaintenance(context.Background()))
}

func TestRunMaintenance_CriticalDiskAborts(t *testing.T) {
	svc := newMaintenanceFixture(t, 100<<20)
	err := svc.RunMaintenance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GB free")
}

func TestRunMaintenance_DiskUsageError(t *testing.T) {
	svc := newMaintenanceFixture(t, 0)
	svc.diskUsage = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return nil, errors.New("no such device")
	}
	assert.Error(t, svc.RunMaintenance(context.Background()))
}

func TestRunMaintenance_Cancelled(t *testing.T) {
	svc := newMaintenanceFixture(t, 50<<30)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, svc.RunMaintenance(ctx), context.Canceled)
}
