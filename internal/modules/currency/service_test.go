package currency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/clientdata"
	"github.com/aristath/tally/internal/clients/exchangerate"
	"github.com/aristath/tally/internal/events"
	testingpkg "github.com/aristath/tally/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	rates map[string]string
	date  string
	err   error
}

func (f *fakeProvider) GetRates(ctx context.Context, base string, date time.Time) (*exchangerate.Rates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := &exchangerate.Rates{Base: base, Date: f.date, Rates: map[string]decimal.Decimal{}}
	for k, v := range f.rates {
		out.Rates[k] = decimal.RequireFromString(v)
	}
	return out, nil
}

type fixture struct {
	svc      *Service
	provider *fakeProvider
	users    *UserCurrencyRepository
	cache    *clientdata.Repository
	ctx      context.Context
	t        *testing.T
	history  func(base, quote, date, rate string)
}

func newFixture(t *testing.T) *fixture {
	ledgerDB, cleanupLedger := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)
	historyDB, cleanupHistory := testingpkg.NewTestDB(t, "history")
	t.Cleanup(cleanupHistory)
	cacheDB, cleanupCache := testingpkg.NewTestDB(t, "client_data")
	t.Cleanup(cleanupCache)

	log := zerolog.Nop()
	provider := &fakeProvider{}
	users := NewUserCurrencyRepository(ledgerDB.Conn(), log)
	cache := clientdata.NewRepository(cacheDB.Conn())
	svc := NewService(NewRateRepository(historyDB.Conn(), log), users, provider, cache, Config{PivotCurrency: "EUR", CacheTTL: time.Hour}, log)

	return &fixture{
		svc:      svc,
		provider: provider,
		users:    users,
		cache:    cache,
		ctx:      context.Background(),
		t:        t,
		history: func(base, quote, date, rate string) {
			testingpkg.SeedRate(t, historyDB.Conn(), base, quote, date, rate)
		},
	}
}

var may1 = time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

func TestConvert_SameCurrencyNoLookup(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("must not be called")

	got, err := f.svc.Convert(f.ctx, ConvertParams{Amount: 1234, UserID: 1, BaseCode: "usd", QuoteCode: "USD", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(1234), got)
	assert.Equal(t, 0, f.provider.calls)
}

func TestConvert_DefaultsToReferenceCurrency(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.users.SetDefault(f.ctx, 1, "EUR"))
	f.history("EUR", "USD", "2024-05-01", "1.25")

	got, err := f.svc.Convert(f.ctx, ConvertParams{Amount: 1000, UserID: 1, BaseCode: "USD", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(800), got) // inverse of 1.25
}

func TestConvert_NoReferenceCurrency(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Convert(f.ctx, ConvertParams{Amount: 1000, UserID: 7, BaseCode: "USD", Date: may1})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestConvert_SignAndFloor(t *testing.T) {
	f := newFixture(t)
	f.history("USD", "EUR", "2024-05-01", "0.9333")

	got, err := f.svc.Convert(f.ctx, ConvertParams{Amount: 1001, UserID: 1, BaseCode: "USD", QuoteCode: "EUR", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(934), got) // 934.2333 floored

	got, err = f.svc.Convert(f.ctx, ConvertParams{Amount: -1001, UserID: 1, BaseCode: "USD", QuoteCode: "EUR", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(-934), got)
}

func TestConvert_CrossRateThroughPivot(t *testing.T) {
	f := newFixture(t)
	f.history("EUR", "USD", "2024-05-01", "1.10")
	f.history("EUR", "PLN", "2024-05-01", "4.40")

	got, err := f.svc.Convert(f.ctx, ConvertParams{Amount: 10000, UserID: 1, BaseCode: "USD", QuoteCode: "PLN", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(40000), got)
}

func TestConvert_MinorUnitExponents(t *testing.T) {
	f := newFixture(t)
	f.history("EUR", "JPY", "2024-05-01", "160")

	// 12.34 EUR -> 1974.4 JPY -> 1974
	got, err := f.svc.Convert(f.ctx, ConvertParams{Amount: 1234, UserID: 1, BaseCode: "EUR", QuoteCode: "JPY", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(1974), got)
}

func TestConvert_FetchesMissingRatesOnce(t *testing.T) {
	f := newFixture(t)
	f.provider.rates = map[string]string{"USD": "1.08", "UAH": "42.5"}
	f.provider.date = "2024-04-30"

	got, err := f.svc.Convert(f.ctx, ConvertParams{Amount: 200, UserID: 1, BaseCode: "EUR", QuoteCode: "UAH", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(8500), got)
	assert.Equal(t, 1, f.provider.calls)

	// Different amount, same day: rate is now stored, no second fetch
	got, err = f.svc.Convert(f.ctx, ConvertParams{Amount: 100, UserID: 1, BaseCode: "USD", QuoteCode: "EUR", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(92), got) // 100 / 1.08 = 92.59
	assert.Equal(t, 1, f.provider.calls)
}

func TestSyncRates(t *testing.T) {
	f := newFixture(t)
	f.provider.rates = map[string]string{"USD": "1.08", "GBP": "0.85"}

	bus := events.NewBus()
	var synced []*events.Event
	bus.Subscribe(events.RatesSynced, func(e *events.Event) { synced = append(synced, e) })
	f.svc.SetEventManager(events.NewManager(bus, zerolog.Nop()))

	require.NoError(t, f.svc.SyncRates(f.ctx, may1))
	require.Len(t, synced, 1)
	assert.Equal(t, "EUR", synced[0].Data["base"])
	assert.Equal(t, "2024-05-01", synced[0].Data["date"])
	assert.Equal(t, float64(2), synced[0].Data["quotes"])

	f.provider.err = errors.New("offline")
	assert.Error(t, f.svc.SyncRates(f.ctx, may1))
	assert.Len(t, synced, 1)
}

func TestConvert_FallsBackToEarlierRate(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("offline")
	f.history("EUR", "USD", "2024-04-25", "1.25")

	got, err := f.svc.Convert(f.ctx, ConvertParams{Amount: 1250, UserID: 1, BaseCode: "USD", QuoteCode: "EUR", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got)
}

func TestConvert_NoRateAnywhere(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("offline")

	_, err := f.svc.Convert(f.ctx, ConvertParams{Amount: 1200, UserID: 1, BaseCode: "USD", QuoteCode: "GBP", Date: may1})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestConvert_UserRateWins(t *testing.T) {
	f := newFixture(t)
	f.history("USD", "UAH", "2024-05-01", "39.0")
	require.NoError(t, f.users.SetCustomRate(f.ctx, 5, "USD", "UAH", "2024-05-01", decimal.RequireFromString("41.0")))

	got, err := f.svc.Convert(f.ctx, ConvertParams{Amount: 100, UserID: 5, BaseCode: "USD", QuoteCode: "UAH", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(4100), got)

	// Other users still see the market rate
	got, err = f.svc.Convert(f.ctx, ConvertParams{Amount: 100, UserID: 6, BaseCode: "USD", QuoteCode: "UAH", Date: may1})
	require.NoError(t, err)
	assert.Equal(t, int64(3900), got)
}

func TestConvert_CacheIsAdvisory(t *testing.T) {
	f := newFixture(t)
	f.history("USD", "EUR", "2024-05-01", "0.5")

	p := ConvertParams{Amount: 100, UserID: 1, BaseCode: "USD", QuoteCode: "EUR", Date: may1}
	first, err := f.svc.Convert(f.ctx, p)
	require.NoError(t, err)

	var cached int64
	found, err := f.cache.GetIfFresh(f.ctx, clientdata.TableConvertedAmounts, "1:100:USD:EUR:2024-05-01", &cached)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first, cached)

	// Evicting the cache does not change the result
	require.NoError(t, f.cache.Delete(f.ctx, clientdata.TableConvertedAmounts, "1:100:USD:EUR:2024-05-01"))
	second, err := f.svc.Convert(f.ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestApplyRate(t *testing.T) {
	assert.Equal(t, int64(0), ApplyRate(1, decimal.RequireFromString("0.5"), "USD", "EUR"))
	assert.Equal(t, int64(-1), ApplyRate(-3, decimal.RequireFromString("0.5"), "USD", "EUR"))
	assert.Equal(t, int64(123), ApplyRate(1234, decimal.NewFromInt(1), "KWD", "EUR"))
	assert.Equal(t, int64(150), ApplyRate(100, decimal.RequireFromString("1.5"), "JPY", "JPY"))
}
