package ledger

import (
	"context"
	"database/sql"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/events"
	"github.com/google/uuid"
)

// createOppositeLeg turns base into one leg of a new common transfer and
// creates the other leg on the destination account.
func (s *Service) createOppositeLeg(ctx context.Context, tx *sql.Tx, base *domain.Transaction, destinationAmount, destinationAccountID int64, refCode string) (*domain.Transaction, error) {
	if destinationAccountID <= 0 {
		return nil, apperrors.Validation("destination account is required for a transfer")
	}
	if destinationAccountID == base.AccountID {
		return nil, apperrors.Validation("a transfer needs two different accounts")
	}
	destination, err := s.ownedAccount(ctx, tx, base.UserID, destinationAccountID)
	if err != nil {
		return nil, err
	}
	if destinationAmount < 0 {
		destinationAmount = -destinationAmount
	}

	transferID := uuid.NewString()
	opposite := &domain.Transaction{
		UserID:          base.UserID,
		AccountID:       destination.ID,
		Amount:          destinationAmount,
		CurrencyCode:    destination.CurrencyCode,
		RefCurrencyCode: refCode,
		TransactionType: base.TransactionType.Opposite(),
		TransferNature:  domain.TransferNatureCommon,
		TransferID:      &transferID,
		AccountType:     domain.AccountTypeSystem,
		CategoryID:      base.CategoryID,
		PaymentType:     base.PaymentType,
		Note:            base.Note,
		Time:            base.Time,
	}

	prevBaseRef := base.RefAmount
	if err := s.pairRefAmounts(ctx, base, opposite, refCode, true); err != nil {
		return nil, err
	}
	if err := s.balances.ApplyRefAdjustment(ctx, tx, base.AccountID, base.Time, base.TransactionType, prevBaseRef, base.RefAmount); err != nil {
		return nil, err
	}

	base.TransferNature = domain.TransferNatureCommon
	base.TransferID = &transferID
	if err := s.txs.Update(ctx, tx, base, s.now()); err != nil {
		return nil, err
	}

	if err := s.txs.Insert(ctx, tx, opposite); err != nil {
		return nil, err
	}
	if err := s.applyBalance(ctx, tx, nil, opposite); err != nil {
		return nil, err
	}
	return opposite, nil
}

// pairRefAmounts applies the reference amount rule to two legs in memory:
//   - base in the reference currency: the opposite leg copies base's ref amount
//   - only the opposite leg in the reference currency: its amount becomes both ref amounts
//   - neither: the opposite leg is converted on its own when convert is set,
//     otherwise both keep what they carry
func (s *Service) pairRefAmounts(ctx context.Context, base, opposite *domain.Transaction, refCode string, convert bool) error {
	switch {
	case base.CurrencyCode == refCode:
		opposite.RefAmount = base.RefAmount
	case opposite.CurrencyCode == refCode:
		base.RefAmount = opposite.Amount
		opposite.RefAmount = opposite.Amount
	case convert:
		ref, err := s.refAmount(ctx, opposite.UserID, opposite.Amount, opposite.CurrencyCode, refCode, opposite.Time)
		if err != nil {
			return err
		}
		opposite.RefAmount = ref
	}
	base.RefCurrencyCode = refCode
	opposite.RefCurrencyCode = refCode
	return nil
}

// LinkExistingTx pairs two existing transactions into a common transfer
// inside the caller's transaction. They must have opposite types.
func (s *Service) LinkExistingTx(ctx context.Context, tx *sql.Tx, userID, baseID, destinationID int64) (*domain.Transaction, *domain.Transaction, error) {
	return s.linkExistingTx(ctx, tx, userID, baseID, destinationID, false)
}

// linkExistingTx pairs two existing transactions. With followDestination the
// type check is skipped and base takes the direction opposite to the
// destination; only callers that already validated intent pass it.
func (s *Service) linkExistingTx(ctx context.Context, tx *sql.Tx, userID, baseID, destinationID int64, followDestination bool) (*domain.Transaction, *domain.Transaction, error) {
	if baseID == destinationID {
		return nil, nil, apperrors.Validation("cannot link a transaction to itself")
	}
	base, err := s.ownedTransaction(ctx, tx, userID, baseID)
	if err != nil {
		return nil, nil, err
	}
	destination, err := s.ownedTransaction(ctx, tx, userID, destinationID)
	if err != nil {
		return nil, nil, err
	}

	if base.AccountID == destination.AccountID {
		return nil, nil, apperrors.Validation("a transfer needs two different accounts")
	}
	if base.TransferNature == domain.TransferNatureCommon || destination.TransferNature == domain.TransferNatureCommon {
		return nil, nil, apperrors.Validation("transaction is already part of a transfer")
	}
	if base.RefundLinked || destination.RefundLinked {
		return nil, nil, apperrors.Validation("refund-linked transactions cannot become transfers")
	}
	// Transfers carry no splits
	for _, leg := range []*domain.Transaction{base, destination} {
		if err := s.splits.DeleteByTransaction(ctx, tx, leg.ID); err != nil {
			return nil, nil, err
		}
	}

	if base.TransactionType == destination.TransactionType {
		if !followDestination {
			return nil, nil, apperrors.Validation("transfer legs must have opposite types")
		}
		prev := *base
		base.TransactionType = destination.TransactionType.Opposite()
		if err := s.applyBalance(ctx, tx, &prev, base); err != nil {
			return nil, nil, err
		}
	}

	refCode, err := s.converter.ReferenceCurrency(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	prevBaseRef, prevDestRef := base.RefAmount, destination.RefAmount
	if err := s.pairRefAmounts(ctx, base, destination, refCode, false); err != nil {
		return nil, nil, err
	}
	if err := s.balances.ApplyRefAdjustment(ctx, tx, base.AccountID, base.Time, base.TransactionType, prevBaseRef, base.RefAmount); err != nil {
		return nil, nil, err
	}
	if err := s.balances.ApplyRefAdjustment(ctx, tx, destination.AccountID, destination.Time, destination.TransactionType, prevDestRef, destination.RefAmount); err != nil {
		return nil, nil, err
	}

	transferID := uuid.NewString()
	now := s.now()
	for _, leg := range []*domain.Transaction{base, destination} {
		leg.TransferNature = domain.TransferNatureCommon
		leg.TransferID = &transferID
		if err := s.txs.Update(ctx, tx, leg, now); err != nil {
			return nil, nil, err
		}
	}

	s.log.Debug().
		Int64("base_id", base.ID).
		Int64("destination_id", destination.ID).
		Str("transfer_id", transferID).
		Msg("Linked transactions into transfer")
	return base, destination, nil
}

// oppositeLeg returns the other leg of t's transfer, or nil
func (s *Service) oppositeLeg(ctx context.Context, q database.Querier, t *domain.Transaction) (*domain.Transaction, error) {
	if t.TransferID == nil {
		return nil, nil
	}
	legs, err := s.txs.GetByTransferID(ctx, q, *t.TransferID)
	if err != nil {
		return nil, err
	}
	for _, leg := range legs {
		if leg.ID != t.ID {
			return leg, nil
		}
	}
	return nil, nil
}

// LinkTransactions pairs existing transactions into transfers, all or nothing
func (s *Service) LinkTransactions(ctx context.Context, p LinkParams) ([][2]*domain.Transaction, error) {
	if len(p.IDs) == 0 {
		return nil, apperrors.Validation("nothing to link")
	}

	var linked [][2]*domain.Transaction
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		linked = make([][2]*domain.Transaction, 0, len(p.IDs))
		for _, pair := range p.IDs {
			base, destination, err := s.linkExistingTx(ctx, tx, p.UserID, pair[0], pair[1], false)
			if err != nil {
				return err
			}
			linked = append(linked, [2]*domain.Transaction{base, destination})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, pair := range linked {
		s.emit(events.TransfersLinked, p.UserID, pair[0], pair[1])
	}
	return linked, nil
}

// UnlinkTransferTransactions turns both legs of each transfer back into
// ordinary transactions. Amounts and balances are unchanged.
func (s *Service) UnlinkTransferTransactions(ctx context.Context, p UnlinkParams) ([]*domain.Transaction, error) {
	if len(p.TransferIDs) == 0 {
		return nil, apperrors.Validation("nothing to unlink")
	}

	var unlinked []*domain.Transaction
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		now := s.now()
		for _, transferID := range p.TransferIDs {
			legs, err := s.txs.GetByTransferID(ctx, tx, transferID)
			if err != nil {
				return err
			}
			owned := 0
			for _, leg := range legs {
				if leg.UserID != p.UserID {
					continue
				}
				owned++
				leg.TransferNature = domain.TransferNatureNone
				leg.TransferID = nil
				if err := s.txs.Update(ctx, tx, leg, now); err != nil {
					return err
				}
				unlinked = append(unlinked, leg)
			}
			if owned == 0 {
				return apperrors.NotFound("transfer %s not found", transferID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.TransactionUpdated, p.UserID, unlinked...)
	return unlinked, nil
}
