package currency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RateRepository stores market exchange rates in the history database
type RateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRateRepository creates a new rate repository
func NewRateRepository(db *sql.DB, log zerolog.Logger) *RateRepository {
	return &RateRepository{
		db:  db,
		log: log.With().Str("repo", "exchange_rates").Logger(),
	}
}

// UpsertMany stores quotes for one base currency on one day in a single transaction
func (r *RateRepository) UpsertMany(ctx context.Context, base, date string, quotes map[string]decimal.Decimal) error {
	if len(quotes) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for quote, rate := range quotes {
		if !rate.IsPositive() || quote == base {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO exchange_rates (base_code, quote_code, date, rate, fetched_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(base_code, quote_code, date) DO UPDATE SET rate = excluded.rate, fetched_at = excluded.fetched_at`,
			base, quote, date, rate.String(), now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert rate %s/%s: %w", base, quote, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rates: %w", err)
	}
	r.log.Debug().Str("base", base).Str("date", date).Int("quotes", len(quotes)).Msg("Stored exchange rates")
	return nil
}

// GetExact returns the rate stored for exactly this day
func (r *RateRepository) GetExact(ctx context.Context, base, quote, date string) (decimal.Decimal, bool, error) {
	return r.scanRate(ctx, `
		SELECT rate FROM exchange_rates WHERE base_code = ? AND quote_code = ? AND date = ?`,
		base, quote, date,
	)
}

// GetOnOrBefore returns the most recent rate stored on or before date
func (r *RateRepository) GetOnOrBefore(ctx context.Context, base, quote, date string) (decimal.Decimal, bool, error) {
	return r.scanRate(ctx, `
		SELECT rate FROM exchange_rates
		WHERE base_code = ? AND quote_code = ? AND date <= ?
		ORDER BY date DESC LIMIT 1`,
		base, quote, date,
	)
}

func (r *RateRepository) scanRate(ctx context.Context, query string, args ...interface{}) (decimal.Decimal, bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to query exchange rate: %w", err)
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to parse stored rate %q: %w", raw, err)
	}
	return rate, true, nil
}
