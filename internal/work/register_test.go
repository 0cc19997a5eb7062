package work

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnections struct {
	ids    []int64
	synced []int64
	err    error
}

func (f *fakeConnections) ActiveConnectionIDs(ctx context.Context) ([]int64, error) {
	return f.ids, f.err
}

func (f *fakeConnections) SyncConnectionByID(ctx context.Context, connectionID int64) error {
	f.synced = append(f.synced, connectionID)
	return nil
}

type fakeRates struct{ calls int }

func (f *fakeRates) SyncRates(ctx context.Context, date time.Time) error {
	f.calls++
	return nil
}

type fakeMaintainer struct{ err error }

func (f *fakeMaintainer) RunMaintenance(ctx context.Context) error { return f.err }

func TestRegisterSyncWorkTypes(t *testing.T) {
	registry := NewRegistry()
	conns := &fakeConnections{ids: []int64{4, 9}}
	rates := &fakeRates{}
	RegisterSyncWorkTypes(registry, &SyncDeps{Connections: conns, Rates: rates, Log: zerolog.Nop()})

	require.NoError(t, registry.Validate())
	wt := registry.Get("sync:connections")
	require.NotNil(t, wt)
	assert.Equal(t, 30*time.Minute, wt.Interval)
	assert.Equal(t, []string{"4", "9"}, wt.FindSubjects())

	require.NoError(t, wt.Execute(context.Background(), "9"))
	assert.Equal(t, []int64{9}, conns.synced)
	assert.Error(t, wt.Execute(context.Background(), "nine"))

	require.NoError(t, registry.Get("sync:rates").Execute(context.Background(), ""))
	assert.Equal(t, 1, rates.calls)

	conns.err = errors.New("db closed")
	assert.Empty(t, wt.FindSubjects())
}

func TestRegisterMaintenanceWorkTypes(t *testing.T) {
	t.Run("nil deps register nothing", func(t *testing.T) {
		registry := NewRegistry()
		RegisterMaintenanceWorkTypes(registry, &MaintenanceDeps{})
		assert.Zero(t, registry.Count())
	})

	t.Run("database maintenance wraps errors", func(t *testing.T) {
		registry := NewRegistry()
		RegisterMaintenanceWorkTypes(registry, &MaintenanceDeps{Databases: &fakeMaintainer{err: errors.New("disk full")}})

		wt := registry.Get("maintenance:databases")
		require.NotNil(t, wt)
		assert.Equal(t, []string{""}, wt.FindSubjects())
		err := wt.Execute(context.Background(), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	})
}
