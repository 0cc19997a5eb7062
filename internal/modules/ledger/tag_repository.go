package ledger

import (
	"context"
	"fmt"

	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/utils"
	"github.com/rs/zerolog"
)

// TagRepository handles tag associations and category/tag ownership checks
type TagRepository struct {
	log zerolog.Logger
}

// NewTagRepository creates a new tag repository
func NewTagRepository(log zerolog.Logger) *TagRepository {
	return &TagRepository{log: log.With().Str("repo", "tags").Logger()}
}

// TagsBelongToUser reports whether every tag id exists and belongs to the user
func (r *TagRepository) TagsBelongToUser(ctx context.Context, q database.Querier, ids []int64, userID int64) (bool, error) {
	return belongsToUser(ctx, q, "tags", ids, userID)
}

// CategoriesBelongToUser reports whether every category id exists and belongs to the user
func (r *TagRepository) CategoriesBelongToUser(ctx context.Context, q database.Querier, ids []int64, userID int64) (bool, error) {
	return belongsToUser(ctx, q, "categories", ids, userID)
}

func belongsToUser(ctx context.Context, q database.Querier, table string, ids []int64, userID int64) (bool, error) {
	ids = utils.UniqueIDs(ids)
	if len(ids) == 0 {
		return true, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE user_id = ? AND id IN ("+placeholders(len(ids))+")", args...,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check %s ownership: %w", table, err)
	}
	return n == len(ids), nil
}

// ListForTransaction returns the tag ids on a transaction
func (r *TagRepository) ListForTransaction(ctx context.Context, q database.Querier, transactionID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, "SELECT tag_id FROM transaction_tags WHERE transaction_id = ? ORDER BY tag_id", transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction tags: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tag id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Add associates tags with a transaction, ignoring existing associations
func (r *TagRepository) Add(ctx context.Context, q database.Querier, transactionID int64, tagIDs []int64) error {
	for _, tagID := range utils.UniqueIDs(tagIDs) {
		if _, err := q.ExecContext(ctx,
			"INSERT OR IGNORE INTO transaction_tags (transaction_id, tag_id) VALUES (?, ?)", transactionID, tagID,
		); err != nil {
			return fmt.Errorf("failed to tag transaction %d: %w", transactionID, err)
		}
	}
	return nil
}

// Remove drops tag associations from a transaction
func (r *TagRepository) Remove(ctx context.Context, q database.Querier, transactionID int64, tagIDs []int64) error {
	ids := utils.UniqueIDs(tagIDs)
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, transactionID)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := q.ExecContext(ctx,
		"DELETE FROM transaction_tags WHERE transaction_id = ? AND tag_id IN ("+placeholders(len(ids))+")", args...,
	); err != nil {
		return fmt.Errorf("failed to untag transaction %d: %w", transactionID, err)
	}
	return nil
}

// Replace sets the exact tag set of a transaction
func (r *TagRepository) Replace(ctx context.Context, q database.Querier, transactionID int64, tagIDs []int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM transaction_tags WHERE transaction_id = ?", transactionID); err != nil {
		return fmt.Errorf("failed to clear tags of transaction %d: %w", transactionID, err)
	}
	return r.Add(ctx, q, transactionID, tagIDs)
}
