package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/events"
)

// UpdateTransaction changes a transaction and keeps its transfer leg,
// splits, refund links and account balances consistent.
func (s *Service) UpdateTransaction(ctx context.Context, p UpdateParams) (*domain.Transaction, error) {
	var updated *domain.Transaction
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		updated, err = s.UpdateTransactionTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(events.TransactionUpdated, p.UserID, updated)
	return updated, nil
}

// UpdateTransactionTx is UpdateTransaction inside the caller's transaction
func (s *Service) UpdateTransactionTx(ctx context.Context, tx *sql.Tx, p UpdateParams) (*domain.Transaction, error) {
	current, err := s.ownedTransaction(ctx, tx, p.UserID, p.ID)
	if err != nil {
		return nil, err
	}
	if current.IsExternal() && touchesImportedFields(current, p) {
		return nil, apperrors.NotAllowed("only note, category, payment type and tags can change on imported transactions")
	}

	refCode, err := s.converter.ReferenceCurrency(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	prev := *current
	next := current

	if p.Note != nil {
		next.Note = *p.Note
	}
	if p.PaymentType != nil {
		next.PaymentType = *p.PaymentType
	}
	if p.CategoryID != nil {
		if err := s.checkCategories(ctx, tx, p.UserID, []int64{*p.CategoryID}); err != nil {
			return nil, err
		}
		next.CategoryID = p.CategoryID
	}
	if p.Amount != nil {
		next.Amount = *p.Amount
		if next.Amount < 0 {
			next.Amount = -next.Amount
		}
	}
	if p.Time != nil {
		next.Time = p.Time.UTC().Truncate(time.Second)
	}
	if p.TransactionType != nil && *p.TransactionType != prev.TransactionType {
		if !p.TransactionType.Valid() {
			return nil, apperrors.Validation("unknown transaction type %q", *p.TransactionType)
		}
		if prev.RefundLinked {
			return nil, apperrors.Validation("cannot change the type of a refund-linked transaction")
		}
		next.TransactionType = *p.TransactionType
	}
	if p.AccountID != nil && *p.AccountID != prev.AccountID {
		account, err := s.ownedAccount(ctx, tx, p.UserID, *p.AccountID)
		if err != nil {
			return nil, err
		}
		next.AccountID = account.ID
		next.CurrencyCode = account.CurrencyCode
	}

	valueChanged := next.Amount != prev.Amount || next.CurrencyCode != prev.CurrencyCode || !next.Time.Equal(prev.Time)
	if valueChanged || next.RefCurrencyCode != refCode {
		next.RefAmount, err = s.refAmount(ctx, p.UserID, next.Amount, next.CurrencyCode, refCode, next.Time)
		if err != nil {
			return nil, err
		}
		next.RefCurrencyCode = refCode
	}

	targetNature := prev.TransferNature
	if p.TransferNature != nil {
		if !p.TransferNature.Valid() {
			return nil, apperrors.Validation("unknown transfer nature %q", *p.TransferNature)
		}
		targetNature = *p.TransferNature
	}
	wasTransfer := prev.TransferNature == domain.TransferNatureCommon
	becomesTransfer := targetNature == domain.TransferNatureCommon

	switch {
	case wasTransfer && !becomesTransfer:
		if err := s.dissolveTransfer(ctx, tx, &prev); err != nil {
			return nil, err
		}
		next.TransferID = nil
		next.TransferNature = targetNature

	case !wasTransfer && becomesTransfer:
		if prev.RefundLinked {
			return nil, apperrors.Validation("refund-linked transactions cannot become transfers")
		}
		if p.Splits != nil && len(*p.Splits) > 0 {
			return nil, apperrors.Validation("transfers cannot be split")
		}
		if p.DestinationTransactionID == nil && (p.DestinationAmount == nil || p.DestinationAccountID == nil) {
			return nil, apperrors.Validation("a transfer needs a destination amount and account, or an existing destination transaction")
		}
		if err := s.splits.DeleteByTransaction(ctx, tx, prev.ID); err != nil {
			return nil, err
		}
		// Pairing below sets the nature once the other leg exists
		next.TransferNature = domain.TransferNatureNone

	case wasTransfer && becomesTransfer:
		if _, err := s.syncOppositeLeg(ctx, tx, &prev, next, p, refCode); err != nil {
			return nil, err
		}

	default:
		if targetNature == domain.TransferNatureWallet && prev.TransferNature != domain.TransferNatureWallet {
			if p.Splits != nil && len(*p.Splits) > 0 {
				return nil, apperrors.Validation("transfers cannot be split")
			}
			if err := s.splits.DeleteByTransaction(ctx, tx, prev.ID); err != nil {
				return nil, err
			}
		}
		next.TransferNature = targetNature
	}

	if err := s.applyBalance(ctx, tx, &prev, next); err != nil {
		return nil, err
	}
	if err := s.txs.Update(ctx, tx, next, s.now()); err != nil {
		return nil, err
	}

	if !wasTransfer && becomesTransfer {
		if p.DestinationTransactionID != nil {
			next, _, err = s.linkExistingTx(ctx, tx, p.UserID, next.ID, *p.DestinationTransactionID, true)
		} else {
			_, err = s.createOppositeLeg(ctx, tx, next, *p.DestinationAmount, *p.DestinationAccountID, refCode)
		}
		if err != nil {
			return nil, err
		}
	}

	switch {
	case p.Splits != nil:
		if _, err := s.replaceSplits(ctx, tx, next, *p.Splits, refCode); err != nil {
			return nil, err
		}
	case valueChanged && !becomesTransfer:
		if err := s.refreshSplits(ctx, tx, next, refCode); err != nil {
			return nil, err
		}
	}

	if p.TagIDs != nil {
		if err := s.checkTags(ctx, tx, p.UserID, *p.TagIDs); err != nil {
			return nil, err
		}
		if err := s.tags.Replace(ctx, tx, next.ID, *p.TagIDs); err != nil {
			return nil, err
		}
	}

	if next.RefundLinked && next.RefAmount != prev.RefAmount {
		if err := s.checkRefundCeilings(ctx, tx, next); err != nil {
			return nil, err
		}
	}

	return s.txs.GetByID(ctx, tx, next.ID)
}

// touchesImportedFields reports whether p changes a field that is owned by
// the bank provider on imported transactions.
func touchesImportedFields(t *domain.Transaction, p UpdateParams) bool {
	if p.Amount != nil && abs(*p.Amount) != t.Amount {
		return true
	}
	if p.Time != nil && p.Time.Unix() != t.Time.Unix() {
		return true
	}
	if p.TransactionType != nil && *p.TransactionType != t.TransactionType {
		return true
	}
	if p.AccountID != nil && *p.AccountID != t.AccountID {
		return true
	}
	return false
}

// dissolveTransfer removes the opposite leg of a transfer that stops being one
func (s *Service) dissolveTransfer(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error {
	opposite, err := s.oppositeLeg(ctx, tx, t)
	if err != nil || opposite == nil {
		return err
	}
	if err := s.applyBalance(ctx, tx, opposite, nil); err != nil {
		return err
	}
	return s.txs.Delete(ctx, tx, opposite.ID)
}

// syncOppositeLeg carries an update of one transfer leg over to the other:
// note, time and payment type are shared, the type stays opposite, and the
// destination amount or account change when asked. Reference amounts follow
// the pairing rule; next may have its ref amount rewritten.
func (s *Service) syncOppositeLeg(ctx context.Context, tx *sql.Tx, prev, next *domain.Transaction, p UpdateParams, refCode string) (*domain.Transaction, error) {
	opposite, err := s.oppositeLeg(ctx, tx, prev)
	if err != nil {
		return nil, err
	}
	if opposite == nil {
		return nil, apperrors.Unexpected("transfer %d has no opposite leg", prev.ID)
	}
	before := *opposite

	opposite.Note = next.Note
	opposite.Time = next.Time
	opposite.PaymentType = next.PaymentType
	opposite.TransactionType = next.TransactionType.Opposite()

	if p.DestinationAccountID != nil && *p.DestinationAccountID != opposite.AccountID {
		account, err := s.ownedAccount(ctx, tx, p.UserID, *p.DestinationAccountID)
		if err != nil {
			return nil, err
		}
		opposite.AccountID = account.ID
		opposite.CurrencyCode = account.CurrencyCode
	}
	if opposite.AccountID == next.AccountID {
		return nil, apperrors.Validation("a transfer needs two different accounts")
	}
	if p.DestinationAmount != nil {
		opposite.Amount = abs(*p.DestinationAmount)
	}

	oppositeChanged := opposite.Amount != before.Amount || opposite.CurrencyCode != before.CurrencyCode || !opposite.Time.Equal(before.Time)
	baseChanged := next.Amount != prev.Amount || next.CurrencyCode != prev.CurrencyCode || !next.Time.Equal(prev.Time)
	if oppositeChanged || baseChanged || next.RefAmount != prev.RefAmount {
		if err := s.pairRefAmounts(ctx, next, opposite, refCode, oppositeChanged); err != nil {
			return nil, err
		}
	}

	if err := s.applyBalance(ctx, tx, &before, opposite); err != nil {
		return nil, err
	}
	if err := s.txs.Update(ctx, tx, opposite, s.now()); err != nil {
		return nil, err
	}
	return opposite, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
