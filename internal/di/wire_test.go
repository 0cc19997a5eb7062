package di

import (
	"context"
	"testing"

	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/work"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWire(t *testing.T) {
	cfg := testConfig(t)

	container, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer container.Close()

	assert.NotNil(t, container.CurrencyService)
	assert.NotNil(t, container.AccountService)
	assert.NotNil(t, container.LedgerService)
	assert.NotNil(t, container.SyncService)
	assert.NotNil(t, container.MaintenanceService)
	assert.NotNil(t, container.Scheduler)
	assert.Nil(t, container.BackupService, "backups stay off without storage settings")

	assert.Equal(t, []string{
		"maintenance:cache-cleanup",
		"maintenance:databases",
		"maintenance:stale-sync",
		"sync:connections",
		"sync:rates",
	}, container.WorkRegistry.IDs())
}

func TestWire_WithBackupStorage(t *testing.T) {
	t.Setenv("BACKUP_S3_BUCKET", "ledger-backups")
	t.Setenv("BACKUP_S3_ACCESS_KEY_ID", "key")
	t.Setenv("BACKUP_S3_SECRET_ACCESS_KEY", "secret")
	t.Setenv("BACKUP_S3_ENDPOINT", "http://127.0.0.1:9000")
	cfg := testConfig(t)

	container, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer container.Close()

	assert.NotNil(t, container.BackupService)
	assert.NotNil(t, container.WorkRegistry.Get("maintenance:backup"))
}

func TestWire_InvalidSchedule(t *testing.T) {
	t.Setenv("SYNC_SCHEDULE", "whenever")
	cfg := testConfig(t)

	_, err := Wire(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestWire_WorkRunsAgainstEmptyLedger(t *testing.T) {
	cfg := testConfig(t)
	container, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer container.Close()

	ctx := context.Background()
	require.NoError(t, container.WorkProcessor.ExecuteNow(ctx, "maintenance:stale-sync", ""))
	require.NoError(t, container.WorkProcessor.ExecuteNow(ctx, "maintenance:cache-cleanup", ""))
	assert.Empty(t, container.WorkRegistry.Get("sync:connections").FindSubjects())
}

func TestRegisterTriggers_DeactivationClearsCompletion(t *testing.T) {
	bus := events.NewBus()
	container := &Container{EventBus: bus, EventManager: events.NewManager(bus, zerolog.Nop())}
	completion := work.NewCompletionTracker()
	registerTriggers(container, completion)

	item := &work.WorkItem{TypeID: "sync:connections", Subject: "7"}
	completion.MarkCompleted(item)
	_, ok := completion.GetCompletion("sync:connections", "7")
	require.True(t, ok)

	container.EventManager.EmitTyped("banksync", &events.ConnectionDeactivatedData{ConnectionID: 7, UserID: 1, Reason: "auth"})

	_, ok = completion.GetCompletion("sync:connections", "7")
	assert.False(t, ok)
}
