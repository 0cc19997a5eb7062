package currency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/tally/internal/database"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// UserCurrencyRepository manages the currencies a user works with and the
// custom rates they entered by hand.
type UserCurrencyRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewUserCurrencyRepository creates a new user currency repository
func NewUserCurrencyRepository(db *sql.DB, log zerolog.Logger) *UserCurrencyRepository {
	return &UserCurrencyRepository{
		db:  db,
		log: log.With().Str("repo", "user_currencies").Logger(),
	}
}

// GetDefault returns the user's reference currency, or "" when none is set
func (r *UserCurrencyRepository) GetDefault(ctx context.Context, userID int64) (string, error) {
	var code string
	err := r.db.QueryRowContext(ctx, `
		SELECT currency_code FROM user_currencies
		WHERE user_id = ? AND is_default_currency = 1`, userID,
	).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get default currency: %w", err)
	}
	return code, nil
}

// SetDefault makes code the user's reference currency, adding it if needed
func (r *UserCurrencyRepository) SetDefault(ctx context.Context, userID int64, code string) error {
	return database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_currencies SET is_default_currency = 0 WHERE user_id = ?`, userID,
		); err != nil {
			return fmt.Errorf("failed to clear default currency: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_currencies (user_id, currency_code, is_default_currency) VALUES (?, ?, 1)
			ON CONFLICT(user_id, currency_code) DO UPDATE SET is_default_currency = 1`,
			userID, code,
		)
		if err != nil {
			return fmt.Errorf("failed to set default currency: %w", err)
		}
		return nil
	})
}

// List returns all currency codes of a user, default first
func (r *UserCurrencyRepository) List(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT currency_code FROM user_currencies
		WHERE user_id = ? ORDER BY is_default_currency DESC, currency_code`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user currencies: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan currency: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// SetCustomRate stores a user-entered rate for one pair on one day
func (r *UserCurrencyRepository) SetCustomRate(ctx context.Context, userID int64, base, quote, date string, rate decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_exchange_rates (user_id, base_code, quote_code, date, rate) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, base_code, quote_code, date) DO UPDATE SET rate = excluded.rate`,
		userID, base, quote, date, rate.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to store custom rate: %w", err)
	}
	return nil
}

// GetCustomRate returns the user's rate for the pair on exactly this day
func (r *UserCurrencyRepository) GetCustomRate(ctx context.Context, userID int64, base, quote, date string) (decimal.Decimal, bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `
		SELECT rate FROM user_exchange_rates
		WHERE user_id = ? AND base_code = ? AND quote_code = ? AND date = ?`,
		userID, base, quote, date,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to get custom rate: %w", err)
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to parse custom rate %q: %w", raw, err)
	}
	return rate, true, nil
}
