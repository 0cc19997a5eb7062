package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/rs/zerolog"
)

// SplitRepository handles transaction_splits
type SplitRepository struct {
	log zerolog.Logger
}

// NewSplitRepository creates a new split repository
func NewSplitRepository(log zerolog.Logger) *SplitRepository {
	return &SplitRepository{log: log.With().Str("repo", "splits").Logger()}
}

// Insert stores a split. The caller assigns the ID.
func (r *SplitRepository) Insert(ctx context.Context, q database.Querier, s *domain.TransactionSplit) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transaction_splits (id, transaction_id, user_id, category_id, amount, ref_amount, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TransactionID, s.UserID, s.CategoryID, s.Amount, s.RefAmount, s.Note,
	)
	if err != nil {
		return fmt.Errorf("failed to insert split: %w", err)
	}
	return nil
}

// GetByID returns a split, or nil
func (r *SplitRepository) GetByID(ctx context.Context, q database.Querier, id string) (*domain.TransactionSplit, error) {
	var s domain.TransactionSplit
	err := q.QueryRowContext(ctx, `
		SELECT id, transaction_id, user_id, category_id, amount, ref_amount, note
		FROM transaction_splits WHERE id = ?`, id,
	).Scan(&s.ID, &s.TransactionID, &s.UserID, &s.CategoryID, &s.Amount, &s.RefAmount, &s.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get split %s: %w", id, err)
	}
	return &s, nil
}

// ListByTransaction returns the splits of a transaction
func (r *SplitRepository) ListByTransaction(ctx context.Context, q database.Querier, transactionID int64) ([]*domain.TransactionSplit, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, user_id, category_id, amount, ref_amount, note
		FROM transaction_splits WHERE transaction_id = ? ORDER BY rowid`, transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query splits: %w", err)
	}
	defer rows.Close()

	var out []*domain.TransactionSplit
	for rows.Next() {
		var s domain.TransactionSplit
		if err := rows.Scan(&s.ID, &s.TransactionID, &s.UserID, &s.CategoryID, &s.Amount, &s.RefAmount, &s.Note); err != nil {
			return nil, fmt.Errorf("failed to scan split: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// UpdateRefAmount rewrites the reference amount of a split
func (r *SplitRepository) UpdateRefAmount(ctx context.Context, q database.Querier, id string, refAmount int64) error {
	if _, err := q.ExecContext(ctx, "UPDATE transaction_splits SET ref_amount = ? WHERE id = ?", refAmount, id); err != nil {
		return fmt.Errorf("failed to update split %s: %w", id, err)
	}
	return nil
}

// DeleteByTransaction removes every split of a transaction
func (r *SplitRepository) DeleteByTransaction(ctx context.Context, q database.Querier, transactionID int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM transaction_splits WHERE transaction_id = ?", transactionID); err != nil {
		return fmt.Errorf("failed to delete splits of transaction %d: %w", transactionID, err)
	}
	return nil
}
