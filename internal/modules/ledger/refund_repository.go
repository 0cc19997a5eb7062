package ledger

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

// RefundRepository handles refund_links
type RefundRepository struct {
	log zerolog.Logger
}

// NewRefundRepository creates a new refund link repository
func NewRefundRepository(log zerolog.Logger) *RefundRepository {
	return &RefundRepository{log: log.With().Str("repo", "refund_links").Logger()}
}

// Insert stores a refund link and sets its ID
func (r *RefundRepository) Insert(ctx context.Context, q database.Querier, link *domain.RefundLink) error {
	now := time.Now().UTC().Truncate(time.Second)
	res, err := q.ExecContext(ctx, `
		INSERT INTO refund_links (user_id, original_tx_id, refund_tx_id, split_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		link.UserID, link.OriginalTxID, link.RefundTxID, link.SplitID, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert refund link: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get refund link id: %w", err)
	}
	link.ID = id
	link.CreatedAt = now
	return nil
}

// GetByRefundTxID returns the link in which txID is the refund, or nil
func (r *RefundRepository) GetByRefundTxID(ctx context.Context, q database.Querier, txID int64) (*domain.RefundLink, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, user_id, original_tx_id, refund_tx_id, split_id, created_at
		FROM refund_links WHERE refund_tx_id = ?`, txID)
	link, err := scanRefundLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund link: %w", err)
	}
	return link, nil
}

// ListForTransaction returns links where txID is either side
func (r *RefundRepository) ListForTransaction(ctx context.Context, q database.Querier, txID int64) ([]*domain.RefundLink, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, original_tx_id, refund_tx_id, split_id, created_at
		FROM refund_links WHERE original_tx_id = ? OR refund_tx_id = ? ORDER BY id`, txID, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to query refund links: %w", err)
	}
	defer rows.Close()

	var out []*domain.RefundLink
	for rows.Next() {
		link, err := scanRefundLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refund link: %w", err)
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// HasOriginal reports whether txID is the original side of any link
func (r *RefundRepository) HasOriginal(ctx context.Context, q database.Querier, txID int64) (bool, error) {
	return r.exists(ctx, q, "original_tx_id = ?", txID)
}

// IsReferenced reports whether any link references txID on either side
func (r *RefundRepository) IsReferenced(ctx context.Context, q database.Querier, txID int64) (bool, error) {
	return r.exists(ctx, q, "original_tx_id = ? OR refund_tx_id = ?", txID, txID)
}

func (r *RefundRepository) exists(ctx context.Context, q database.Querier, where string, args ...interface{}) (bool, error) {
	var found int
	err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM refund_links WHERE "+where+")", args...).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to check refund links: %w", err)
	}
	return found == 1, nil
}

// SumForOriginal totals the refund ref amounts linked to an original,
// whether or not they target one of its splits.
func (r *RefundRepository) SumForOriginal(ctx context.Context, q database.Querier, originalTxID int64) (int64, error) {
	return r.sum(ctx, q, "l.original_tx_id = ?", originalTxID)
}

// SumForSplit totals the refund ref amounts that target one split
func (r *RefundRepository) SumForSplit(ctx context.Context, q database.Querier, splitID string) (int64, error) {
	return r.sum(ctx, q, "l.split_id = ?", splitID)
}

func (r *RefundRepository) sum(ctx context.Context, q database.Querier, where string, arg interface{}) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(t.ref_amount), 0)
		FROM refund_links l JOIN transactions t ON t.id = l.refund_tx_id
		WHERE `+where, arg,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return total, nil
}

// DeleteByRefundTxID removes the link whose refund side is txID
func (r *RefundRepository) DeleteByRefundTxID(ctx context.Context, q database.Querier, txID int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM refund_links WHERE refund_tx_id = ?", txID); err != nil {
		return fmt.Errorf("failed to delete refund link: %w", err)
	}
	return nil
}

// DeleteForTransaction removes every link touching txID
func (r *RefundRepository) DeleteForTransaction(ctx context.Context, q database.Querier, txID int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM refund_links WHERE original_tx_id = ? OR refund_tx_id = ?", txID, txID); err != nil {
		return fmt.Errorf("failed to delete refund links of transaction %d: %w", txID, err)
	}
	return nil
}

func scanRefundLink(row rowScanner) (*domain.RefundLink, error) {
	var (
		link      domain.RefundLink
		original  sql.NullInt64
		splitID   sql.NullString
		createdAt int64
	)
	if err := row.Scan(&link.ID, &link.UserID, &original, &link.RefundTxID, &splitID, &createdAt); err != nil {
		return nil, err
	}
	if original.Valid {
		link.OriginalTxID = &original.Int64
	}
	if splitID.Valid {
		link.SplitID = &splitID.String
	}
	link.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &link, nil
}
