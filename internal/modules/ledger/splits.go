package ledger

import (
	"context"
	"database/sql"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/domain"
	"github.com/google/uuid"
)

// replaceSplits swaps the splits of parent for a new set. The split amounts
// may not exceed the parent amount; whatever is left stays with the parent's
// own category.
func (s *Service) replaceSplits(ctx context.Context, tx *sql.Tx, parent *domain.Transaction, params []SplitParams, refCode string) ([]*domain.TransactionSplit, error) {
	if len(params) > 0 && parent.TransferNature.IsTransfer() {
		return nil, apperrors.Validation("transfers cannot be split")
	}

	var total int64
	categories := make([]int64, 0, len(params))
	for _, sp := range params {
		if sp.Amount <= 0 {
			return nil, apperrors.Validation("split amount must be positive")
		}
		total += sp.Amount
		categories = append(categories, sp.CategoryID)
	}
	if total > parent.Amount {
		return nil, apperrors.Validation("splits total %d exceeds transaction amount %d", total, parent.Amount)
	}
	if err := s.checkCategories(ctx, tx, parent.UserID, categories); err != nil {
		return nil, err
	}

	if err := s.splits.DeleteByTransaction(ctx, tx, parent.ID); err != nil {
		return nil, err
	}

	out := make([]*domain.TransactionSplit, 0, len(params))
	for _, sp := range params {
		ref, err := s.refAmount(ctx, parent.UserID, sp.Amount, parent.CurrencyCode, refCode, parent.Time)
		if err != nil {
			return nil, err
		}
		split := &domain.TransactionSplit{
			ID:            uuid.NewString(),
			TransactionID: parent.ID,
			UserID:        parent.UserID,
			CategoryID:    sp.CategoryID,
			Amount:        sp.Amount,
			RefAmount:     ref,
			Note:          sp.Note,
		}
		if err := s.splits.Insert(ctx, tx, split); err != nil {
			return nil, err
		}
		out = append(out, split)
	}
	return out, nil
}

// refreshSplits re-validates kept splits after the parent's amount, currency
// or date changed and recomputes their reference amounts.
func (s *Service) refreshSplits(ctx context.Context, tx *sql.Tx, parent *domain.Transaction, refCode string) error {
	existing, err := s.splits.ListByTransaction(ctx, tx, parent.ID)
	if err != nil {
		return err
	}
	var total int64
	for _, split := range existing {
		total += split.Amount
	}
	if total > parent.Amount {
		return apperrors.Validation("splits total %d exceeds transaction amount %d", total, parent.Amount)
	}
	for _, split := range existing {
		ref, err := s.refAmount(ctx, parent.UserID, split.Amount, parent.CurrencyCode, refCode, parent.Time)
		if err != nil {
			return err
		}
		if ref == split.RefAmount {
			continue
		}
		if err := s.splits.UpdateRefAmount(ctx, tx, split.ID, ref); err != nil {
			return err
		}
	}
	return nil
}
