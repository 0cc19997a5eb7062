package accounts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/modules/currency"
	"github.com/rs/zerolog"
)

// Converter converts amounts into a user's reference currency
type Converter interface {
	Convert(ctx context.Context, p currency.ConvertParams) (int64, error)
	ReferenceCurrency(ctx context.Context, userID int64) (string, error)
}

// Contribution is what one transaction adds to its account's balance
type Contribution struct {
	Type      domain.TransactionType
	Amount    int64
	RefAmount int64
}

// ContributionOf returns the balance contribution of a transaction
func ContributionOf(tx *domain.Transaction) *Contribution {
	return &Contribution{Type: tx.TransactionType, Amount: tx.Amount, RefAmount: tx.RefAmount}
}

func (c *Contribution) signed() (native, ref int64) {
	if c == nil {
		return 0, 0
	}
	return c.Type.Sign() * c.Amount, c.Type.Sign() * c.RefAmount
}

// BalanceChange describes how one account is affected by a ledger mutation.
// Prev is nil for a created transaction, Next is nil for a deleted one.
type BalanceChange struct {
	Date      time.Time
	Prev      *Contribution
	Next      *Contribution
	AccountID int64
}

// BalanceService keeps current and initial balances consistent with the ledger
type BalanceService struct {
	db        *sql.DB
	repo      *Repository
	history   *HistoryRepository
	converter Converter
	log       zerolog.Logger
}

// NewBalanceService creates a new balance service
func NewBalanceService(db *sql.DB, repo *Repository, history *HistoryRepository, converter Converter, log zerolog.Logger) *BalanceService {
	return &BalanceService{
		db:        db,
		repo:      repo,
		history:   history,
		converter: converter,
		log:       log.With().Str("service", "balance").Logger(),
	}
}

// balanceDelta returns the signed change needed to move a balance from the
// contribution prev to next. Increases add the positive difference and
// decreases subtract the magnitude, so a change crossing zero keeps its sign.
func balanceDelta(prev, next int64) int64 {
	switch {
	case next > prev:
		return next - prev
	case next < prev:
		return -(prev - next)
	default:
		return 0
	}
}

// ApplyTransactionChange moves an account's current balances from the
// previous contribution to the next one and records the day's snapshot.
// It runs on q, which is normally the caller's transaction.
func (s *BalanceService) ApplyTransactionChange(ctx context.Context, q database.Querier, ch BalanceChange) error {
	prevNative, prevRef := ch.Prev.signed()
	nextNative, nextRef := ch.Next.signed()

	native := balanceDelta(prevNative, nextNative)
	ref := balanceDelta(prevRef, nextRef)
	if native == 0 && ref == 0 {
		return nil
	}

	return s.applyDelta(ctx, q, ch.AccountID, ch.Date, native, ref)
}

// ApplyRefAdjustment moves only the reference balance of an account. Used
// when a transaction's refAmount is rewritten without changing its amount.
func (s *BalanceService) ApplyRefAdjustment(ctx context.Context, q database.Querier, accountID int64, date time.Time, txType domain.TransactionType, prevRef, nextRef int64) error {
	ref := balanceDelta(txType.Sign()*prevRef, txType.Sign()*nextRef)
	if ref == 0 {
		return nil
	}
	return s.applyDelta(ctx, q, accountID, date, 0, ref)
}

func (s *BalanceService) applyDelta(ctx context.Context, q database.Querier, accountID int64, date time.Time, native, ref int64) error {
	current, refCurrent, err := s.repo.ApplyDelta(ctx, q, accountID, native, ref)
	if err != nil {
		return err
	}

	if err := s.history.Upsert(ctx, q, domain.BalanceHistoryEntry{
		AccountID:  accountID,
		Date:       domain.DateKey(date),
		Balance:    current,
		RefBalance: refCurrent,
	}); err != nil {
		return err
	}

	s.log.Debug().
		Int64("account_id", accountID).
		Int64("delta", native).
		Int64("ref_delta", ref).
		Int64("balance", current).
		Msg("Applied balance delta")
	return nil
}

// UpdateBalanceParams sets an account's balance without a transaction
type UpdateBalanceParams struct {
	UserID     int64
	AccountID  int64
	NewBalance int64
}

// UpdateAccountBalance sets the current balance of an account directly.
// The difference is converted to the reference currency; for system
// accounts the initial balances move too so the ledger still adds up.
func (s *BalanceService) UpdateAccountBalance(ctx context.Context, p UpdateBalanceParams) (*domain.Account, error) {
	var updated *domain.Account
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		account, err := s.repo.GetByID(ctx, tx, p.AccountID)
		if err != nil {
			return err
		}
		if account == nil || account.UserID != p.UserID {
			return apperrors.NotFound("account %d not found", p.AccountID)
		}

		diff := balanceDelta(account.CurrentBalance, p.NewBalance)
		if diff == 0 {
			updated = account
			return nil
		}

		now := time.Now()
		refDiff, err := s.converter.Convert(ctx, currency.ConvertParams{
			Amount:   diff,
			UserID:   p.UserID,
			BaseCode: account.CurrencyCode,
			Date:     now,
		})
		if err != nil {
			return fmt.Errorf("failed to convert balance difference: %w", err)
		}

		if err := s.applyDelta(ctx, tx, account.ID, now, diff, refDiff); err != nil {
			return err
		}
		if account.Type.IsSystem() {
			if err := s.repo.ApplyInitialDelta(ctx, tx, account.ID, diff, refDiff); err != nil {
				return err
			}
		}

		updated, err = s.repo.GetByID(ctx, tx, account.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Drift reports how far an account's stored balances are from
// initial balance plus the signed sum of its transactions.
type Drift struct {
	AccountID   int64 `json:"account_id"`
	Expected    int64 `json:"expected"`
	Actual      int64 `json:"actual"`
	RefExpected int64 `json:"ref_expected"`
	RefActual   int64 `json:"ref_actual"`
}

// Consistent reports whether there is no drift
func (d Drift) Consistent() bool {
	return d.Expected == d.Actual && d.RefExpected == d.RefActual
}

// CheckConsistency recomputes an account's balances from its transactions
func (s *BalanceService) CheckConsistency(ctx context.Context, accountID int64) (*Drift, error) {
	account, err := s.repo.GetByID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperrors.NotFound("account %d not found", accountID)
	}

	var native, ref int64
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN transaction_type = 'income' THEN amount ELSE -amount END), 0),
			COALESCE(SUM(CASE WHEN transaction_type = 'income' THEN ref_amount ELSE -ref_amount END), 0)
		FROM transactions WHERE account_id = ?`, accountID,
	).Scan(&native, &ref)
	if err != nil {
		return nil, fmt.Errorf("failed to sum transactions of account %d: %w", accountID, err)
	}

	return &Drift{
		AccountID:   accountID,
		Expected:    account.InitialBalance + native,
		Actual:      account.CurrentBalance,
		RefExpected: account.RefInitialBalance + ref,
		RefActual:   account.RefCurrentBalance,
	}, nil
}
