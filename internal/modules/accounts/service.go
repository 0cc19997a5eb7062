package accounts

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/modules/currency"
	"github.com/aristath/tally/internal/utils"
	"github.com/rs/zerolog"
)

// Service exposes account reads and creation
type Service struct {
	db        *sql.DB
	repo      *Repository
	history   *HistoryRepository
	converter Converter
	log       zerolog.Logger
}

// NewService creates a new account service
func NewService(db *sql.DB, repo *Repository, history *HistoryRepository, converter Converter, log zerolog.Logger) *Service {
	return &Service{
		db:        db,
		repo:      repo,
		history:   history,
		converter: converter,
		log:       log.With().Str("service", "accounts").Logger(),
	}
}

// CreateAccountParams describes a new manually maintained account
type CreateAccountParams struct {
	Name           string
	CurrencyCode   string
	UserID         int64
	InitialBalance int64
}

// CreateAccount creates a system account. The initial balance is also the
// current balance; both are converted once into the reference currency.
func (s *Service) CreateAccount(ctx context.Context, p CreateAccountParams) (*domain.Account, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, apperrors.Validation("account name is required")
	}
	code := utils.NormalizeCurrency(p.CurrencyCode)
	if len(code) != 3 {
		return nil, apperrors.Validation("invalid currency code %q", p.CurrencyCode)
	}

	refInitial, err := s.converter.Convert(ctx, currency.ConvertParams{
		Amount:   p.InitialBalance,
		UserID:   p.UserID,
		BaseCode: code,
		Date:     time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to convert initial balance: %w", err)
	}

	account := &domain.Account{
		UserID:            p.UserID,
		Name:              name,
		Type:              domain.AccountTypeSystem,
		CurrencyCode:      code,
		CurrentBalance:    p.InitialBalance,
		InitialBalance:    p.InitialBalance,
		RefCurrentBalance: refInitial,
		RefInitialBalance: refInitial,
		ExternalData:      domain.ExternalData{},
		IsEnabled:         true,
	}
	if err := s.repo.Create(ctx, s.db, account); err != nil {
		return nil, err
	}

	s.log.Info().Int64("account_id", account.ID).Int64("user_id", p.UserID).Str("currency", code).Msg("Account created")
	return account, nil
}

// GetAccount returns one of the user's accounts
func (s *Service) GetAccount(ctx context.Context, userID, accountID int64) (*domain.Account, error) {
	account, err := s.repo.GetByID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.UserID != userID {
		return nil, apperrors.NotFound("account %d not found", accountID)
	}
	return account, nil
}

// ListAccounts returns all accounts of a user
func (s *Service) ListAccounts(ctx context.Context, userID int64) ([]*domain.Account, error) {
	return s.repo.ListByUser(ctx, s.db, userID)
}

// GetBalanceHistory returns the daily snapshots of an account in [from, to]
func (s *Service) GetBalanceHistory(ctx context.Context, userID, accountID int64, from, to time.Time) ([]domain.BalanceHistoryEntry, error) {
	if _, err := s.GetAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, apperrors.Validation("history range ends before it starts")
	}
	return s.history.Range(ctx, s.db, accountID, domain.DateKey(from), domain.DateKey(to))
}

// BalanceAsOf returns the balance of an account at the end of a day.
// Days before the first snapshot report the initial balances.
func (s *Service) BalanceAsOf(ctx context.Context, userID, accountID int64, date time.Time) (*domain.BalanceHistoryEntry, error) {
	account, err := s.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	day := domain.DateKey(date)
	entry, err := s.history.AsOf(ctx, s.db, accountID, day)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &domain.BalanceHistoryEntry{
			AccountID:  accountID,
			Date:       day,
			Balance:    account.InitialBalance,
			RefBalance: account.RefInitialBalance,
		}, nil
	}
	entry.Date = day
	return entry, nil
}
