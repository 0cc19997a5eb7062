package banksync

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/tally/internal/domain"
	testingpkg "github.com/aristath/tally/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.SyncStatus
		want     bool
	}{
		{domain.SyncStatusIdle, domain.SyncStatusQueued, true},
		{domain.SyncStatusIdle, domain.SyncStatusSyncing, true},
		{domain.SyncStatusIdle, domain.SyncStatusCompleted, false},
		{domain.SyncStatusQueued, domain.SyncStatusSyncing, true},
		{domain.SyncStatusQueued, domain.SyncStatusFailed, false},
		{domain.SyncStatusSyncing, domain.SyncStatusCompleted, true},
		{domain.SyncStatusSyncing, domain.SyncStatusFailed, true},
		{domain.SyncStatusSyncing, domain.SyncStatusQueued, false},
		{domain.SyncStatusCompleted, domain.SyncStatusSyncing, true},
		{domain.SyncStatusCompleted, domain.SyncStatusFailed, false},
		{domain.SyncStatusFailed, domain.SyncStatusQueued, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusRepository_Lifecycle(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()
	conn := db.Conn()
	ctx := context.Background()
	repo := NewStatusRepository(time.Hour, zerolog.Nop())
	accountID := testingpkg.SeedAccount(t, conn, testingpkg.AccountFixture{UserID: 1, Currency: "EUR"})

	st, err := repo.Get(ctx, conn, accountID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusIdle, st.Status)

	_, err = repo.Transition(ctx, conn, accountID, 1, domain.SyncStatusCompleted, "")
	assert.Error(t, err)

	st, err = repo.Transition(ctx, conn, accountID, 1, domain.SyncStatusSyncing, "")
	require.NoError(t, err)
	require.NotNil(t, st.StartedAt)

	_, err = repo.Transition(ctx, conn, accountID, 1, domain.SyncStatusSyncing, "")
	assert.Error(t, err, "a running sync cannot be started again")

	st, err = repo.Transition(ctx, conn, accountID, 1, domain.SyncStatusFailed, "boom")
	require.NoError(t, err)
	require.NotNil(t, st.Error)
	assert.Equal(t, "boom", *st.Error)

	stored, err := repo.Get(ctx, conn, accountID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "boom", *stored.Error)
	assert.NotNil(t, stored.CompletedAt)

	list, err := repo.ListByUser(ctx, conn, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStatusRepository_StaleReset(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()
	conn := db.Conn()
	ctx := context.Background()
	repo := NewStatusRepository(time.Hour, zerolog.Nop())
	accountID := testingpkg.SeedAccount(t, conn, testingpkg.AccountFixture{UserID: 1, Currency: "EUR"})

	start := time.Now()
	repo.now = func() time.Time { return start }
	_, err := repo.Transition(ctx, conn, accountID, 1, domain.SyncStatusSyncing, "")
	require.NoError(t, err)

	n, err := repo.ResetStale(ctx, conn)
	require.NoError(t, err)
	assert.Zero(t, n)

	repo.now = func() time.Time { return start.Add(2 * time.Hour) }
	st, err := repo.Get(ctx, conn, accountID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusIdle, st.Status)

	n, err = repo.ResetStale(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, testingpkg.CountRows(t, conn, "account_sync_status", "status = 'idle'"))
}

func TestStatusRepository_Claim(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()
	conn := db.Conn()
	ctx := context.Background()
	repo := NewStatusRepository(time.Hour, zerolog.Nop())
	accountID := testingpkg.SeedAccount(t, conn, testingpkg.AccountFixture{UserID: 1, Currency: "EUR"})

	start := time.Now()
	repo.now = func() time.Time { return start }

	claimed, err := repo.Claim(ctx, conn, accountID, 1)
	require.NoError(t, err)
	assert.True(t, claimed)

	st, err := repo.Get(ctx, conn, accountID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSyncing, st.Status)
	assert.NotNil(t, st.StartedAt)

	claimed, err = repo.Claim(ctx, conn, accountID, 1)
	require.NoError(t, err)
	assert.False(t, claimed, "a live syncing status blocks a second claim")

	repo.now = func() time.Time { return start.Add(2 * time.Hour) }
	claimed, err = repo.Claim(ctx, conn, accountID, 1)
	require.NoError(t, err)
	assert.True(t, claimed, "a stale syncing status can be taken over")

	_, err = repo.Transition(ctx, conn, accountID, 1, domain.SyncStatusFailed, "boom")
	require.NoError(t, err)
	claimed, err = repo.Claim(ctx, conn, accountID, 1)
	require.NoError(t, err)
	assert.True(t, claimed)

	stored, err := repo.Get(ctx, conn, accountID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSyncing, stored.Status)
	assert.Nil(t, stored.Error)
	assert.Nil(t, stored.CompletedAt)
}

func TestStatusRepository_ClaimFromQueued(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()
	conn := db.Conn()
	ctx := context.Background()
	repo := NewStatusRepository(time.Hour, zerolog.Nop())
	accountID := testingpkg.SeedAccount(t, conn, testingpkg.AccountFixture{UserID: 1, Currency: "EUR"})

	_, err := repo.Transition(ctx, conn, accountID, 1, domain.SyncStatusQueued, "")
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, conn, accountID, 1)
	require.NoError(t, err)
	assert.True(t, claimed)
}
