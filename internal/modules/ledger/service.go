package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/modules/accounts"
	"github.com/aristath/tally/internal/modules/currency"
	"github.com/rs/zerolog"
)

// Service orchestrates every ledger mutation. Each public method runs in one
// database transaction; the matching ...Tx method joins a transaction the
// caller already holds.
type Service struct {
	db        *sql.DB
	txs       *TransactionRepository
	splits    *SplitRepository
	tags      *TagRepository
	refunds   *RefundRepository
	accounts  *accounts.Repository
	balances  *accounts.BalanceService
	converter accounts.Converter
	events    *events.Manager
	now       func() time.Time
	log       zerolog.Logger
}

// NewService creates a new ledger service.
//
// Parameters:
//   - db: ledger.db connection
//   - txs, splits, tags, refunds: ledger repositories
//   - accountRepo: account persistence, used for ownership and currency lookups
//   - balances: applies balance deltas for every mutation
//   - converter: reference currency conversion
//   - eventManager: optional, receives change events after commit
//   - log: Structured logger
func NewService(
	db *sql.DB,
	txs *TransactionRepository,
	splits *SplitRepository,
	tags *TagRepository,
	refunds *RefundRepository,
	accountRepo *accounts.Repository,
	balances *accounts.BalanceService,
	converter accounts.Converter,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Service {
	return &Service{
		db:        db,
		txs:       txs,
		splits:    splits,
		tags:      tags,
		refunds:   refunds,
		accounts:  accountRepo,
		balances:  balances,
		converter: converter,
		events:    eventManager,
		now:       time.Now,
		log:       log.With().Str("service", "ledger").Logger(),
	}
}

// CreateTransaction creates a transaction and, depending on params, its
// opposite transfer leg, refund link, splits and tags.
// Returns the base transaction followed by the opposite leg, if any.
func (s *Service) CreateTransaction(ctx context.Context, p CreateParams) ([]*domain.Transaction, error) {
	var created []*domain.Transaction
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		created, err = s.CreateTransactionTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(events.TransactionCreated, p.UserID, created...)
	return created, nil
}

// CreateTransactionTx is CreateTransaction inside the caller's transaction
func (s *Service) CreateTransactionTx(ctx context.Context, tx *sql.Tx, p CreateParams) ([]*domain.Transaction, error) {
	if err := normalizeCreate(&p, s.now()); err != nil {
		return nil, err
	}

	account, err := s.ownedAccount(ctx, tx, p.UserID, p.AccountID)
	if err != nil {
		return nil, err
	}
	refCode, err := s.converter.ReferenceCurrency(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if p.CategoryID != nil {
		if err := s.checkCategories(ctx, tx, p.UserID, []int64{*p.CategoryID}); err != nil {
			return nil, err
		}
	}

	var destination *domain.Transaction
	if p.TransferNature == domain.TransferNatureCommon && p.DestinationTransactionID != nil {
		destination, err = s.ownedTransaction(ctx, tx, p.UserID, *p.DestinationTransactionID)
		if err != nil {
			return nil, err
		}
		// The existing leg decides the direction
		p.TransactionType = destination.TransactionType.Opposite()
	}

	base := &domain.Transaction{
		UserID:          p.UserID,
		AccountID:       account.ID,
		Amount:          p.Amount,
		CurrencyCode:    account.CurrencyCode,
		RefCurrencyCode: refCode,
		TransactionType: p.TransactionType,
		TransferNature:  p.TransferNature,
		AccountType:     p.AccountType,
		OriginalID:      p.OriginalID,
		CategoryID:      p.CategoryID,
		PaymentType:     p.PaymentType,
		Note:            p.Note,
		Time:            p.Time,
		ExternalData:    p.ExternalData,
		CommissionRate:  p.CommissionRate,
		CashbackAmount:  p.CashbackAmount,
	}
	if base.TransferNature == domain.TransferNatureCommon {
		// Pairing flips the nature once the other leg exists
		base.TransferNature = domain.TransferNatureNone
	}

	base.RefAmount, err = s.refAmount(ctx, p.UserID, base.Amount, base.CurrencyCode, refCode, base.Time)
	if err != nil {
		return nil, err
	}
	if base.CommissionRate > 0 {
		base.RefCommissionRate, err = s.refAmount(ctx, p.UserID, base.CommissionRate, base.CurrencyCode, refCode, base.Time)
		if err != nil {
			return nil, err
		}
	}

	if err := s.txs.Insert(ctx, tx, base); err != nil {
		return nil, err
	}
	if err := s.applyBalance(ctx, tx, nil, base); err != nil {
		return nil, err
	}

	result := []*domain.Transaction{base}
	if p.TransferNature == domain.TransferNatureCommon {
		var opposite *domain.Transaction
		if destination != nil {
			base, opposite, err = s.linkExistingTx(ctx, tx, p.UserID, base.ID, destination.ID, true)
		} else {
			opposite, err = s.createOppositeLeg(ctx, tx, base, *p.DestinationAmount, *p.DestinationAccountID, refCode)
		}
		if err != nil {
			return nil, err
		}
		result = []*domain.Transaction{base, opposite}
	}

	if p.RefundFor != nil {
		if _, err := s.createSingleRefundTx(ctx, tx, RefundParams{
			UserID:       p.UserID,
			OriginalTxID: p.RefundFor.OriginalTxID,
			SplitID:      p.RefundFor.SplitID,
			RefundTxID:   base.ID,
		}); err != nil {
			return nil, err
		}
		base.RefundLinked = true
	}

	if len(p.Splits) > 0 {
		if _, err := s.replaceSplits(ctx, tx, base, p.Splits, refCode); err != nil {
			return nil, err
		}
	}

	if len(p.TagIDs) > 0 {
		if err := s.checkTags(ctx, tx, p.UserID, p.TagIDs); err != nil {
			return nil, err
		}
		if err := s.tags.Add(ctx, tx, base.ID, p.TagIDs); err != nil {
			return nil, err
		}
	}

	s.log.Debug().
		Int64("transaction_id", base.ID).
		Int64("account_id", base.AccountID).
		Int64("amount", base.Amount).
		Str("nature", string(base.TransferNature)).
		Msg("Transaction created")
	return result, nil
}

func normalizeCreate(p *CreateParams, now time.Time) error {
	if p.UserID <= 0 {
		return apperrors.Validation("user id is required")
	}
	if p.AccountID <= 0 {
		return apperrors.Validation("account id is required")
	}
	if p.Amount < 0 {
		p.Amount = -p.Amount
	}
	if p.CommissionRate < 0 {
		p.CommissionRate = -p.CommissionRate
	}
	if p.CashbackAmount < 0 {
		p.CashbackAmount = -p.CashbackAmount
	}
	if p.Time.IsZero() {
		p.Time = now
	}
	p.Time = p.Time.UTC().Truncate(time.Second)
	if p.TransferNature == "" {
		p.TransferNature = domain.TransferNatureNone
	}
	if !p.TransferNature.Valid() {
		return apperrors.Validation("unknown transfer nature %q", p.TransferNature)
	}
	if p.PaymentType == "" {
		p.PaymentType = domain.PaymentTypeDebitCard
	}
	if p.AccountType == "" {
		p.AccountType = domain.AccountTypeSystem
	}
	if !p.AccountType.Valid() {
		return apperrors.Validation("unknown account type %q", p.AccountType)
	}

	if p.TransferNature == domain.TransferNatureCommon {
		if p.DestinationTransactionID == nil && (p.DestinationAmount == nil || p.DestinationAccountID == nil) {
			return apperrors.Validation("a transfer needs a destination amount and account, or an existing destination transaction")
		}
	}
	if p.TransferNature.IsTransfer() && len(p.Splits) > 0 {
		return apperrors.Validation("transfers cannot be split")
	}
	// Direction of a linked transfer comes from the existing leg
	if !(p.TransferNature == domain.TransferNatureCommon && p.DestinationTransactionID != nil) && !p.TransactionType.Valid() {
		return apperrors.Validation("unknown transaction type %q", p.TransactionType)
	}

	if p.RefundFor != nil {
		if p.TransferNature != domain.TransferNatureNone {
			return apperrors.Validation("a transfer cannot be a refund")
		}
		if p.RefundFor.SplitID != nil && p.RefundFor.OriginalTxID == nil {
			return apperrors.Validation("refunding a split requires the original transaction")
		}
	}
	return nil
}

// GetTransaction returns one of the user's transactions
func (s *Service) GetTransaction(ctx context.Context, userID, id int64) (*domain.Transaction, error) {
	return s.ownedTransaction(ctx, s.db, userID, id)
}

// GetTransactionByOriginalID returns the transaction a provider imported
// under originalID on the account, or nil.
func (s *Service) GetTransactionByOriginalID(ctx context.Context, userID, accountID int64, originalID string) (*domain.Transaction, error) {
	if _, err := s.ownedAccount(ctx, s.db, userID, accountID); err != nil {
		return nil, err
	}
	return s.txs.GetByOriginalID(ctx, s.db, accountID, originalID)
}

// ListTransactions returns a page of the user's transactions
func (s *Service) ListTransactions(ctx context.Context, f ListFilter) ([]*domain.Transaction, error) {
	if f.UserID <= 0 {
		return nil, apperrors.Validation("user id is required")
	}
	return s.txs.ListForUser(ctx, s.db, f)
}

// GetSplits returns the splits of one of the user's transactions
func (s *Service) GetSplits(ctx context.Context, userID, id int64) ([]*domain.TransactionSplit, error) {
	if _, err := s.ownedTransaction(ctx, s.db, userID, id); err != nil {
		return nil, err
	}
	return s.splits.ListByTransaction(ctx, s.db, id)
}

// GetTags returns the tag ids of one of the user's transactions
func (s *Service) GetTags(ctx context.Context, userID, id int64) ([]int64, error) {
	if _, err := s.ownedTransaction(ctx, s.db, userID, id); err != nil {
		return nil, err
	}
	return s.tags.ListForTransaction(ctx, s.db, id)
}

// PrimaryAllocation is the part of a transaction's amount that still belongs
// to its own category once splits are taken out.
func PrimaryAllocation(t *domain.Transaction, splits []*domain.TransactionSplit) int64 {
	remaining := t.Amount
	for _, split := range splits {
		remaining -= split.Amount
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Service) ownedTransaction(ctx context.Context, q database.Querier, userID, id int64) (*domain.Transaction, error) {
	t, err := s.txs.GetByID(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if t == nil || t.UserID != userID {
		return nil, apperrors.NotFound("transaction %d not found", id)
	}
	return t, nil
}

func (s *Service) ownedAccount(ctx context.Context, q database.Querier, userID, id int64) (*domain.Account, error) {
	a, err := s.accounts.GetByID(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if a == nil || a.UserID != userID {
		return nil, apperrors.NotFound("account %d not found", id)
	}
	return a, nil
}

func (s *Service) checkCategories(ctx context.Context, q database.Querier, userID int64, ids []int64) error {
	ok, err := s.tags.CategoriesBelongToUser(ctx, q, ids, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotAllowed("category does not belong to user %d", userID)
	}
	return nil
}

func (s *Service) checkTags(ctx context.Context, q database.Querier, userID int64, ids []int64) error {
	ok, err := s.tags.TagsBelongToUser(ctx, q, ids, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotAllowed("tag does not belong to user %d", userID)
	}
	return nil
}

// refAmount converts an amount into the reference currency
func (s *Service) refAmount(ctx context.Context, userID, amount int64, code, refCode string, at time.Time) (int64, error) {
	if code == refCode {
		return amount, nil
	}
	return s.converter.Convert(ctx, currency.ConvertParams{
		Amount:    amount,
		UserID:    userID,
		BaseCode:  code,
		QuoteCode: refCode,
		Date:      at,
	})
}

// applyBalance moves account balances from prev to next. Either side may be
// nil; a transaction that changed account is reverted on the old account and
// applied on the new one.
func (s *Service) applyBalance(ctx context.Context, q database.Querier, prev, next *domain.Transaction) error {
	switch {
	case prev == nil && next == nil:
		return nil
	case prev == nil:
		return s.balances.ApplyTransactionChange(ctx, q, accounts.BalanceChange{
			AccountID: next.AccountID, Date: next.Time, Next: accounts.ContributionOf(next),
		})
	case next == nil:
		return s.balances.ApplyTransactionChange(ctx, q, accounts.BalanceChange{
			AccountID: prev.AccountID, Date: prev.Time, Prev: accounts.ContributionOf(prev),
		})
	case prev.AccountID != next.AccountID:
		if err := s.applyBalance(ctx, q, prev, nil); err != nil {
			return err
		}
		return s.applyBalance(ctx, q, nil, next)
	default:
		return s.balances.ApplyTransactionChange(ctx, q, accounts.BalanceChange{
			AccountID: next.AccountID,
			Date:      next.Time,
			Prev:      accounts.ContributionOf(prev),
			Next:      accounts.ContributionOf(next),
		})
	}
}

func (s *Service) emit(eventType events.EventType, userID int64, txs ...*domain.Transaction) {
	if s.events == nil || len(txs) == 0 {
		return
	}
	data := &events.TransactionChangeData{Type: eventType, UserID: userID}
	seen := make(map[int64]bool)
	for _, t := range txs {
		data.TransactionIDs = append(data.TransactionIDs, t.ID)
		if !seen[t.AccountID] {
			seen[t.AccountID] = true
			data.AccountIDs = append(data.AccountIDs, t.AccountID)
		}
		if t.TransferID != nil {
			data.TransferID = *t.TransferID
		}
	}
	s.events.EmitTyped("ledger", data)
}
