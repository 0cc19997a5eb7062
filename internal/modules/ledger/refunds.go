package ledger

import (
	"context"
	"database/sql"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/events"
)

// CreateSingleRefund links a refund transaction to the transaction (or split)
// it refunds. A nil OriginalTxID records a floating refund.
func (s *Service) CreateSingleRefund(ctx context.Context, p RefundParams) (*domain.RefundLink, error) {
	var link *domain.RefundLink
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		link, err = s.createSingleRefundTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emitRefund(link.UserID, link.OriginalTxID, link.RefundTxID, false)
	return link, nil
}

func (s *Service) createSingleRefundTx(ctx context.Context, tx *sql.Tx, p RefundParams) (*domain.RefundLink, error) {
	refund, err := s.ownedTransaction(ctx, tx, p.UserID, p.RefundTxID)
	if err != nil {
		return nil, err
	}
	var original *domain.Transaction
	if p.OriginalTxID != nil {
		original, err = s.ownedTransaction(ctx, tx, p.UserID, *p.OriginalTxID)
		if err != nil {
			return nil, err
		}
	} else if p.SplitID != nil {
		return nil, apperrors.Validation("refunding a split requires the original transaction")
	}

	if original != nil {
		if original.ID == refund.ID {
			return nil, apperrors.Validation("a transaction cannot refund itself")
		}
		if original.TransferNature != domain.TransferNatureNone {
			return nil, apperrors.Validation("transfers cannot be refunded")
		}
		if original.TransactionType == refund.TransactionType {
			return nil, apperrors.Validation("a refund must have the opposite type of the original")
		}
	}
	if refund.TransferNature != domain.TransferNatureNone {
		return nil, apperrors.Validation("a transfer cannot be a refund")
	}

	if original != nil {
		if err := s.checkRefundCapacity(ctx, tx, original, p.SplitID, refund.RefAmount); err != nil {
			return nil, err
		}

		if link, err := s.refunds.GetByRefundTxID(ctx, tx, original.ID); err != nil {
			return nil, err
		} else if link != nil {
			return nil, apperrors.Validation("transaction %d is itself a refund and cannot be refunded", original.ID)
		}
	}

	if link, err := s.refunds.GetByRefundTxID(ctx, tx, refund.ID); err != nil {
		return nil, err
	} else if link != nil {
		return nil, apperrors.Validation("transaction %d is already linked as a refund", refund.ID)
	}
	if isOriginal, err := s.refunds.HasOriginal(ctx, tx, refund.ID); err != nil {
		return nil, err
	} else if isOriginal {
		return nil, apperrors.Validation("transaction %d has refunds and cannot be a refund itself", refund.ID)
	}

	link := &domain.RefundLink{
		UserID:     p.UserID,
		RefundTxID: refund.ID,
		SplitID:    p.SplitID,
	}
	if original != nil {
		id := original.ID
		link.OriginalTxID = &id
	}
	if err := s.refunds.Insert(ctx, tx, link); err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.txs.SetRefundLinked(ctx, tx, refund.ID, true, now); err != nil {
		return nil, err
	}
	if original != nil {
		if err := s.txs.SetRefundLinked(ctx, tx, original.ID, true, now); err != nil {
			return nil, err
		}
	}
	return link, nil
}

// checkRefundCapacity rejects a refund that would push the refunds of a
// target past its ref amount. The target is the split when splitID is set,
// the whole original otherwise.
func (s *Service) checkRefundCapacity(ctx context.Context, q database.Querier, original *domain.Transaction, splitID *string, refundRef int64) error {
	if splitID != nil {
		split, err := s.splits.GetByID(ctx, q, *splitID)
		if err != nil {
			return err
		}
		if split == nil || split.TransactionID != original.ID {
			return apperrors.Validation("split %s does not belong to transaction %d", *splitID, original.ID)
		}
		used, err := s.refunds.SumForSplit(ctx, q, split.ID)
		if err != nil {
			return err
		}
		if used+refundRef > split.RefAmount {
			return apperrors.Validation("refunds would exceed the split amount (%d + %d > %d)", used, refundRef, split.RefAmount)
		}
	}

	used, err := s.refunds.SumForOriginal(ctx, q, original.ID)
	if err != nil {
		return err
	}
	if used+refundRef > original.RefAmount {
		return apperrors.Validation("refunds would exceed the original amount (%d + %d > %d)", used, refundRef, original.RefAmount)
	}
	return nil
}

// checkRefundCeilings re-validates every refund ceiling t takes part in after
// its ref amount changed.
func (s *Service) checkRefundCeilings(ctx context.Context, q database.Querier, t *domain.Transaction) error {
	used, err := s.refunds.SumForOriginal(ctx, q, t.ID)
	if err != nil {
		return err
	}
	if used > t.RefAmount {
		return apperrors.Validation("transaction %d has %d refunded, more than its new amount %d", t.ID, used, t.RefAmount)
	}
	splits, err := s.splits.ListByTransaction(ctx, q, t.ID)
	if err != nil {
		return err
	}
	for _, split := range splits {
		used, err := s.refunds.SumForSplit(ctx, q, split.ID)
		if err != nil {
			return err
		}
		if used > split.RefAmount {
			return apperrors.Validation("split %s has %d refunded, more than its amount %d", split.ID, used, split.RefAmount)
		}
	}

	link, err := s.refunds.GetByRefundTxID(ctx, q, t.ID)
	if err != nil || link == nil || link.OriginalTxID == nil {
		return err
	}
	original, err := s.txs.GetByID(ctx, q, *link.OriginalTxID)
	if err != nil || original == nil {
		return err
	}
	used, err = s.refunds.SumForOriginal(ctx, q, original.ID)
	if err != nil {
		return err
	}
	if used > original.RefAmount {
		return apperrors.Validation("refunds would exceed the original amount (%d > %d)", used, original.RefAmount)
	}
	if link.SplitID != nil {
		split, err := s.splits.GetByID(ctx, q, *link.SplitID)
		if err != nil || split == nil {
			return err
		}
		used, err := s.refunds.SumForSplit(ctx, q, split.ID)
		if err != nil {
			return err
		}
		if used > split.RefAmount {
			return apperrors.Validation("refunds would exceed the split amount (%d > %d)", used, split.RefAmount)
		}
	}
	return nil
}

// RemoveRefundLink deletes the link of a refund and clears refundLinked on
// whichever side no longer takes part in any link.
func (s *Service) RemoveRefundLink(ctx context.Context, p RemoveRefundParams) error {
	var removed *domain.RefundLink
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		link, err := s.refunds.GetByRefundTxID(ctx, tx, p.RefundTxID)
		if err != nil {
			return err
		}
		if link == nil || link.UserID != p.UserID {
			return apperrors.NotFound("no refund link for transaction %d", p.RefundTxID)
		}
		if err := s.refunds.DeleteByRefundTxID(ctx, tx, p.RefundTxID); err != nil {
			return err
		}
		ids := []int64{link.RefundTxID}
		if link.OriginalTxID != nil {
			ids = append(ids, *link.OriginalTxID)
		}
		removed = link
		return s.recomputeRefundLinked(ctx, tx, ids...)
	})
	if err != nil {
		return err
	}
	s.emitRefund(p.UserID, removed.OriginalTxID, removed.RefundTxID, true)
	return nil
}

// GetRefundLinks returns the links where the transaction is either side
func (s *Service) GetRefundLinks(ctx context.Context, userID, txID int64) ([]*domain.RefundLink, error) {
	if _, err := s.ownedTransaction(ctx, s.db, userID, txID); err != nil {
		return nil, err
	}
	return s.refunds.ListForTransaction(ctx, s.db, txID)
}

// recomputeRefundLinked derives refundLinked from the remaining links
func (s *Service) recomputeRefundLinked(ctx context.Context, q database.Querier, ids ...int64) error {
	now := s.now()
	for _, id := range ids {
		linked, err := s.refunds.IsReferenced(ctx, q, id)
		if err != nil {
			return err
		}
		if err := s.txs.SetRefundLinked(ctx, q, id, linked, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) emitRefund(userID int64, originalID *int64, refundID int64, removed bool) {
	if s.events == nil {
		return
	}
	s.events.EmitTyped("ledger", &events.RefundLinkedData{
		UserID:       userID,
		OriginalTxID: originalID,
		RefundTxID:   refundID,
		Removed:      removed,
	})
}
