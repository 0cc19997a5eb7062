package currency

import (
	"context"
	"testing"

	testingpkg "github.com/aristath/tally/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateRepository_UpsertAndLookup(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "history")
	defer cleanup()
	ctx := context.Background()

	repo := NewRateRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, repo.UpsertMany(ctx, "EUR", "2024-05-01", map[string]decimal.Decimal{
		"USD": decimal.RequireFromString("1.0712"),
		"EUR": decimal.NewFromInt(1), // self quote is skipped
		"XXX": decimal.Zero,          // non-positive is skipped
	}))
	require.NoError(t, repo.UpsertMany(ctx, "EUR", "2024-05-01", map[string]decimal.Decimal{
		"USD": decimal.RequireFromString("1.0720"),
	}))

	rate, ok, err := repo.GetExact(ctx, "EUR", "USD", "2024-05-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.072", rate.String())

	_, ok, err = repo.GetExact(ctx, "EUR", "USD", "2024-05-02")
	require.NoError(t, err)
	assert.False(t, ok)

	rate, ok, err = repo.GetOnOrBefore(ctx, "EUR", "USD", "2024-05-09")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.072", rate.String())

	_, ok, err = repo.GetExact(ctx, "EUR", "XXX", "2024-05-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserCurrencyRepository_SetDefault(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()
	ctx := context.Background()

	repo := NewUserCurrencyRepository(db.Conn(), zerolog.Nop())

	code, err := repo.GetDefault(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "", code)

	require.NoError(t, repo.SetDefault(ctx, 1, "UAH"))
	require.NoError(t, repo.SetDefault(ctx, 1, "EUR"))

	code, err = repo.GetDefault(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "EUR", code)

	codes, err := repo.List(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"EUR", "UAH"}, codes)
}
