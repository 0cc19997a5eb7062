package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/rs/zerolog"
)

// HistoryRepository stores one balance snapshot per account per day
type HistoryRepository struct {
	log zerolog.Logger
}

// NewHistoryRepository creates a new balance history repository
func NewHistoryRepository(log zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{log: log.With().Str("repo", "balance_history").Logger()}
}

// Upsert records the balance of an account for a day. A later write for the
// same day replaces the earlier one.
func (r *HistoryRepository) Upsert(ctx context.Context, q database.Querier, e domain.BalanceHistoryEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO balance_history (account_id, date, balance, ref_balance, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, date) DO UPDATE SET
			balance = excluded.balance,
			ref_balance = excluded.ref_balance,
			updated_at = excluded.updated_at`,
		e.AccountID, e.Date, e.Balance, e.RefBalance, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert balance history for account %d: %w", e.AccountID, err)
	}
	return nil
}

// Range returns the snapshots of an account between two days, inclusive
func (r *HistoryRepository) Range(ctx context.Context, q database.Querier, accountID int64, from, to string) ([]domain.BalanceHistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT account_id, date, balance, ref_balance FROM balance_history
		WHERE account_id = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		accountID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance history: %w", err)
	}
	defer rows.Close()

	var out []domain.BalanceHistoryEntry
	for rows.Next() {
		var e domain.BalanceHistoryEntry
		if err := rows.Scan(&e.AccountID, &e.Date, &e.Balance, &e.RefBalance); err != nil {
			return nil, fmt.Errorf("failed to scan balance history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AsOf returns the latest snapshot on or before date, or nil when none exists
func (r *HistoryRepository) AsOf(ctx context.Context, q database.Querier, accountID int64, date string) (*domain.BalanceHistoryEntry, error) {
	var e domain.BalanceHistoryEntry
	err := q.QueryRowContext(ctx, `
		SELECT account_id, date, balance, ref_balance FROM balance_history
		WHERE account_id = ? AND date <= ?
		ORDER BY date DESC LIMIT 1`,
		accountID, date,
	).Scan(&e.AccountID, &e.Date, &e.Balance, &e.RefBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance as of %s: %w", date, err)
	}
	return &e, nil
}
