package ledger

import (
	"context"
	"database/sql"

	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/events"
)

// DeleteTransaction deletes a transaction. Both legs of a common transfer go
// together, refund links are cleared first and balances are reverted.
func (s *Service) DeleteTransaction(ctx context.Context, p DeleteParams) error {
	var deleted []*domain.Transaction
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		deleted, err = s.DeleteTransactionTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return err
	}
	s.emit(events.TransactionDeleted, p.UserID, deleted...)
	return nil
}

// DeleteTransactionTx is DeleteTransaction inside the caller's transaction.
// Returns every deleted row.
func (s *Service) DeleteTransactionTx(ctx context.Context, tx *sql.Tx, p DeleteParams) ([]*domain.Transaction, error) {
	target, err := s.ownedTransaction(ctx, tx, p.UserID, p.ID)
	if err != nil {
		return nil, err
	}

	legs := []*domain.Transaction{target}
	if target.TransferNature == domain.TransferNatureCommon {
		opposite, err := s.oppositeLeg(ctx, tx, target)
		if err != nil {
			return nil, err
		}
		if opposite != nil {
			legs = append(legs, opposite)
		}
	}

	deleting := make(map[int64]bool, len(legs))
	for _, leg := range legs {
		deleting[leg.ID] = true
	}

	for _, leg := range legs {
		if leg.RefundLinked {
			if err := s.unlinkRefundsOf(ctx, tx, leg, deleting); err != nil {
				return nil, err
			}
		}
		if err := s.applyBalance(ctx, tx, leg, nil); err != nil {
			return nil, err
		}
		if err := s.txs.Delete(ctx, tx, leg.ID); err != nil {
			return nil, err
		}
	}

	s.log.Debug().Int64("transaction_id", target.ID).Int("legs", len(legs)).Msg("Transaction deleted")
	return legs, nil
}

// unlinkRefundsOf removes every refund link touching t and re-derives
// refundLinked on the counterparts that survive.
func (s *Service) unlinkRefundsOf(ctx context.Context, tx *sql.Tx, t *domain.Transaction, deleting map[int64]bool) error {
	links, err := s.refunds.ListForTransaction(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if err := s.refunds.DeleteForTransaction(ctx, tx, t.ID); err != nil {
		return err
	}

	var counterparts []int64
	for _, link := range links {
		other := link.RefundTxID
		if other == t.ID {
			if link.OriginalTxID == nil {
				continue
			}
			other = *link.OriginalTxID
		}
		if !deleting[other] {
			counterparts = append(counterparts, other)
		}
	}
	return s.recomputeRefundLinked(ctx, tx, counterparts...)
}
