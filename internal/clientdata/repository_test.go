package clientdata

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
CREATE TABLE exchangerate (key TEXT PRIMARY KEY, data BLOB NOT NULL, expires_at INTEGER NOT NULL);
CREATE TABLE converted_amounts (key TEXT PRIMARY KEY, data BLOB NOT NULL, expires_at INTEGER NOT NULL);
`

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Single connection so every query sees the same in-memory database
	db.SetMaxOpenConns(1)

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	return db
}

type ratePayload struct {
	Rates map[string]string
	Date  string
}

func TestStoreAndGetIfFresh(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := NewRepository(db)
	in := ratePayload{Rates: map[string]string{"USD": "1.0842"}, Date: "2024-05-01"}
	require.NoError(t, repo.Store(ctx, TableExchangeRate, "EUR:2024-05-01", in, time.Hour))

	var out ratePayload
	found, err := repo.GetIfFresh(ctx, TableExchangeRate, "EUR:2024-05-01", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}

func TestGetIfFresh_Missing(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	var out int64
	found, err := NewRepository(db).GetIfFresh(context.Background(), TableConvertedAmounts, "nope", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetIfFresh_ExpiredButGetReturnsStale(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := NewRepository(db)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return base }
	require.NoError(t, repo.Store(ctx, TableConvertedAmounts, "k", int64(915), time.Minute))

	repo.now = func() time.Time { return base.Add(2 * time.Minute) }

	var out int64
	found, err := repo.GetIfFresh(ctx, TableConvertedAmounts, "k", &out)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = repo.Get(ctx, TableConvertedAmounts, "k", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(915), out)
}

func TestStore_Replaces(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := NewRepository(db)
	require.NoError(t, repo.Store(ctx, TableConvertedAmounts, "k", int64(1), time.Hour))
	require.NoError(t, repo.Store(ctx, TableConvertedAmounts, "k", int64(2), time.Hour))

	var out int64
	_, err := repo.Get(ctx, TableConvertedAmounts, "k", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM converted_amounts").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestInvalidTable(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	repo := NewRepository(db)

	err := repo.Store(ctx, "accounts; DROP TABLE x", "k", 1, time.Hour)
	assert.Error(t, err)

	var out int
	_, err = repo.Get(ctx, "accounts", "k", &out)
	assert.Error(t, err)
	_, err = repo.DeleteExpired(ctx, "accounts")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	repo := NewRepository(db)

	require.NoError(t, repo.Store(ctx, TableExchangeRate, "k", "v", time.Hour))
	require.NoError(t, repo.Delete(ctx, TableExchangeRate, "k"))

	var out string
	found, err := repo.Get(ctx, TableExchangeRate, "k", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteAllExpired(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := NewRepository(db)
	base := time.Now()
	repo.now = func() time.Time { return base }

	require.NoError(t, repo.Store(ctx, TableExchangeRate, "old", "x", -time.Hour))
	require.NoError(t, repo.Store(ctx, TableExchangeRate, "new", "x", time.Hour))
	require.NoError(t, repo.Store(ctx, TableConvertedAmounts, "old", int64(1), -time.Minute))

	results, err := repo.DeleteAllExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), results[TableExchangeRate])
	assert.Equal(t, int64(1), results[TableConvertedAmounts])

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM exchangerate").Scan(&count))
	assert.Equal(t, 1, count)
}
