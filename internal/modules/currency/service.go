// Package currency converts amounts between currencies for reference-currency
// accounting.
package currency

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/clientdata"
	"github.com/aristath/tally/internal/clients/exchangerate"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/utils"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// RateProvider fetches market quotes for one base currency on one day
type RateProvider interface {
	GetRates(ctx context.Context, base string, date time.Time) (*exchangerate.Rates, error)
}

// ConvertParams describes one conversion.
type ConvertParams struct {
	Date      time.Time
	BaseCode  string
	QuoteCode string // defaults to the user's reference currency
	Amount    int64  // minor units of BaseCode, sign is preserved
	UserID    int64
}

// Service converts amounts using user rates, stored market rates and, when
// those are missing, rates fetched from the provider.
type Service struct {
	rates    *RateRepository
	users    *UserCurrencyRepository
	provider RateProvider
	cache    *clientdata.Repository
	fetches  singleflight.Group
	events   *events.Manager
	pivot    string
	cacheTTL time.Duration
	log      zerolog.Logger
}

// Config holds service settings
type Config struct {
	PivotCurrency string
	CacheTTL      time.Duration
}

// NewService creates a new conversion service.
// provider and cache are optional.
func NewService(
	rates *RateRepository,
	users *UserCurrencyRepository,
	provider RateProvider,
	cache *clientdata.Repository,
	cfg Config,
	log zerolog.Logger,
) *Service {
	if cfg.PivotCurrency == "" {
		cfg.PivotCurrency = "EUR"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = clientdata.TTLConvertedAmount
	}
	return &Service{
		rates:    rates,
		users:    users,
		provider: provider,
		cache:    cache,
		pivot:    utils.NormalizeCurrency(cfg.PivotCurrency),
		cacheTTL: cfg.CacheTTL,
		log:      log.With().Str("service", "currency").Logger(),
	}
}

// ReferenceCurrency returns the user's reference currency.
// Fails with a validation error when the user has none.
func (s *Service) ReferenceCurrency(ctx context.Context, userID int64) (string, error) {
	code, err := s.users.GetDefault(ctx, userID)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", apperrors.Validation("user %d has no reference currency", userID)
	}
	return code, nil
}

// Convert returns p.Amount expressed in minor units of the quote currency.
// The magnitude is floored and the sign follows the input.
func (s *Service) Convert(ctx context.Context, p ConvertParams) (int64, error) {
	base := utils.NormalizeCurrency(p.BaseCode)
	if base == "" {
		return 0, apperrors.Validation("currency code is required")
	}

	quote := utils.NormalizeCurrency(p.QuoteCode)
	if quote == "" {
		ref, err := s.ReferenceCurrency(ctx, p.UserID)
		if err != nil {
			return 0, err
		}
		quote = ref
	}

	if base == quote || p.Amount == 0 {
		return p.Amount, nil
	}

	key := cacheKey(p.UserID, p.Amount, base, quote, p.Date)
	if s.cache != nil {
		var cached int64
		found, err := s.cache.GetIfFresh(ctx, clientdata.TableConvertedAmounts, key, &cached)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Conversion cache read failed")
		} else if found {
			return cached, nil
		}
	}

	rate, err := s.Rate(ctx, p.UserID, base, quote, p.Date)
	if err != nil {
		return 0, err
	}
	result := ApplyRate(p.Amount, rate, base, quote)

	if s.cache != nil {
		if err := s.cache.Store(ctx, clientdata.TableConvertedAmounts, key, result, s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Conversion cache write failed")
		}
	}

	return result, nil
}

// ApplyRate multiplies amount by rate, adjusting for the minor-unit
// exponents of both currencies. The magnitude is floored so that
// conversion never rounds money into existence.
func ApplyRate(amount int64, rate decimal.Decimal, base, quote string) int64 {
	negative := amount < 0
	if negative {
		amount = -amount
	}
	shift := MinorUnitExponent(quote) - MinorUnitExponent(base)
	result := decimal.NewFromInt(amount).Mul(rate).Shift(shift).Floor().IntPart()
	if negative {
		return -result
	}
	return result
}

// Rate resolves the base→quote rate for a day.
// Order: the user's own rate (direct or inverse), stored market rates for
// that exact day (direct, inverse or crossed through the pivot), a fresh
// fetch from the provider, and finally the latest stored rate before the day.
func (s *Service) Rate(ctx context.Context, userID int64, base, quote string, date time.Time) (decimal.Decimal, error) {
	if base == quote {
		return decimal.NewFromInt(1), nil
	}
	day := domain.DateKey(date)

	if userID != 0 {
		if rate, ok, err := s.users.GetCustomRate(ctx, userID, base, quote, day); err != nil {
			return decimal.Zero, err
		} else if ok {
			return rate, nil
		}
		if rate, ok, err := s.users.GetCustomRate(ctx, userID, quote, base, day); err != nil {
			return decimal.Zero, err
		} else if ok && rate.IsPositive() {
			return decimal.NewFromInt(1).Div(rate), nil
		}
	}

	rate, ok, err := s.storedRate(ctx, base, quote, day, s.rates.GetExact)
	if err != nil || ok {
		return rate, err
	}

	if s.provider != nil {
		if _, err := s.fetchAndStore(ctx, date); err != nil {
			s.log.Warn().Err(err).Str("date", day).Msg("Failed to fetch exchange rates")
		} else {
			rate, ok, err = s.storedRate(ctx, base, quote, day, s.rates.GetExact)
			if err != nil || ok {
				return rate, err
			}
		}
	}

	rate, ok, err = s.storedRate(ctx, base, quote, day, s.rates.GetOnOrBefore)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, apperrors.NotFound("no exchange rate for %s/%s on %s", base, quote, day)
	}
	s.log.Warn().Str("base", base).Str("quote", quote).Str("date", day).Msg("Using latest earlier exchange rate")
	return rate, nil
}

type rateLookup func(ctx context.Context, base, quote, date string) (decimal.Decimal, bool, error)

// storedRate tries the pair directly, then crossed through the pivot
func (s *Service) storedRate(ctx context.Context, base, quote, day string, lookup rateLookup) (decimal.Decimal, bool, error) {
	if rate, ok, err := s.leg(ctx, base, quote, day, lookup); err != nil || ok {
		return rate, ok, err
	}
	if base == s.pivot || quote == s.pivot {
		return decimal.Zero, false, nil
	}

	toPivot, ok, err := s.leg(ctx, base, s.pivot, day, lookup)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	fromPivot, ok, err := s.leg(ctx, s.pivot, quote, day, lookup)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	return toPivot.Mul(fromPivot), true, nil
}

// leg returns a stored rate for the pair, using the inverse quote if only that exists
func (s *Service) leg(ctx context.Context, base, quote, day string, lookup rateLookup) (decimal.Decimal, bool, error) {
	rate, ok, err := lookup(ctx, base, quote, day)
	if err != nil || ok {
		return rate, ok, err
	}
	inverse, ok, err := lookup(ctx, quote, base, day)
	if err != nil || !ok || !inverse.IsPositive() {
		return decimal.Zero, false, err
	}
	return decimal.NewFromInt(1).Div(inverse), true, nil
}

// SetEventManager enables RatesSynced events
func (s *Service) SetEventManager(m *events.Manager) {
	s.events = m
}

// SyncRates fetches and stores the pivot currency's quotes for a day
func (s *Service) SyncRates(ctx context.Context, date time.Time) error {
	if s.provider == nil {
		return nil
	}
	rates, err := s.fetchAndStore(ctx, date)
	if err != nil {
		return err
	}
	quoted := rates.Date
	if quoted == "" {
		quoted = domain.DateKey(date)
	}
	s.events.EmitTyped("currency", &events.RatesSyncedData{
		Base:   s.pivot,
		Date:   quoted,
		Quotes: len(rates.Rates),
	})
	return nil
}

// fetchAndStore collapses concurrent fetches for the same day into one call
func (s *Service) fetchAndStore(ctx context.Context, date time.Time) (*exchangerate.Rates, error) {
	day := domain.DateKey(date)
	v, err, _ := s.fetches.Do(s.pivot+":"+day, func() (interface{}, error) {
		rates, err := s.provider.GetRates(ctx, s.pivot, date)
		if err != nil {
			return nil, err
		}
		// Stored under the requested day so weekends and holidays resolve
		// to the provider's last quote.
		if err := s.rates.UpsertMany(ctx, s.pivot, day, rates.Rates); err != nil {
			return nil, err
		}
		if rates.Date != "" && rates.Date != day {
			if err := s.rates.UpsertMany(ctx, s.pivot, rates.Date, rates.Rates); err != nil {
				return nil, err
			}
		}
		return rates, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*exchangerate.Rates), nil
}

// UserCurrencies returns the user's currencies, reference currency first
func (s *Service) UserCurrencies(ctx context.Context, userID int64) ([]string, error) {
	return s.users.List(ctx, userID)
}

// SetReferenceCurrency makes code the user's reference currency.
// Stored reference amounts are not recomputed.
func (s *Service) SetReferenceCurrency(ctx context.Context, userID int64, code string) error {
	code = utils.NormalizeCurrency(code)
	if len(code) != 3 {
		return apperrors.Validation("invalid currency code %q", code)
	}
	return s.users.SetDefault(ctx, userID, code)
}

// CustomRateParams is a rate a user enters by hand for one pair on one day
type CustomRateParams struct {
	Date      time.Time
	Rate      decimal.Decimal
	BaseCode  string
	QuoteCode string
	UserID    int64
}

// SetCustomRate stores a user's own rate. It takes precedence over market
// rates for that user from then on; cached conversions expire with their TTL.
func (s *Service) SetCustomRate(ctx context.Context, p CustomRateParams) error {
	base := utils.NormalizeCurrency(p.BaseCode)
	quote := utils.NormalizeCurrency(p.QuoteCode)
	if len(base) != 3 || len(quote) != 3 || base == quote {
		return apperrors.Validation("a custom rate needs two different currency codes")
	}
	if !p.Rate.IsPositive() {
		return apperrors.Validation("rate must be positive")
	}
	return s.users.SetCustomRate(ctx, p.UserID, base, quote, domain.DateKey(p.Date), p.Rate)
}

func cacheKey(userID, amount int64, base, quote string, date time.Time) string {
	return fmt.Sprintf("%d:%d:%s:%s:%s", userID, amount, base, quote, domain.DateKey(date))
}
