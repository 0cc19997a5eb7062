package banksync

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/modules/accounts"
	"github.com/aristath/tally/internal/modules/ledger"
	"github.com/aristath/tally/internal/work"
	"github.com/rs/zerolog"
)

// Config tunes bank sync
type Config struct {
	Retry                work.RetryPolicy
	AuthFailureThreshold int
	TransferMatchWindow  time.Duration
	DefaultLookback      time.Duration
	ProviderTimeout      time.Duration
	ProviderMinInterval  time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Retry:                work.DefaultRetryPolicy,
		AuthFailureThreshold: 2,
		TransferMatchWindow:  72 * time.Hour,
		DefaultLookback:      31 * 24 * time.Hour,
		ProviderTimeout:      30 * time.Second,
		ProviderMinInterval:  time.Second,
	}
}

// Service pulls provider data into the ledger
type Service struct {
	db          *sql.DB
	registry    *Registry
	connections *ConnectionRepository
	statuses    *StatusRepository
	accounts    *accounts.Repository
	txs         *ledger.TransactionRepository
	ledger      *ledger.Service
	converter   accounts.Converter
	pool        *work.Pool
	throttle    *work.Throttle
	events      *events.Manager
	cfg         Config
	now         func() time.Time
	log         zerolog.Logger
}

// NewService creates a new bank sync service.
//
// Parameters:
//   - db: ledger.db connection
//   - registry: provider clients by type
//   - connections, statuses: sync persistence
//   - accountRepo, txs: ledger persistence used for matching and dedup
//   - ledgerService: creates and links transactions
//   - converter: reference currency conversion for imported accounts
//   - pool: bounded worker pool for per-account fan-out
//   - eventManager: optional, receives sync status events
//   - cfg: sync tuning
//   - log: Structured logger
func NewService(
	db *sql.DB,
	registry *Registry,
	connections *ConnectionRepository,
	statuses *StatusRepository,
	accountRepo *accounts.Repository,
	txs *ledger.TransactionRepository,
	ledgerService *ledger.Service,
	converter accounts.Converter,
	pool *work.Pool,
	eventManager *events.Manager,
	cfg Config,
	log zerolog.Logger,
) *Service {
	if cfg.AuthFailureThreshold <= 0 {
		cfg.AuthFailureThreshold = 2
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = apperrors.IsRetryable
	}
	return &Service{
		db:          db,
		registry:    registry,
		connections: connections,
		statuses:    statuses,
		accounts:    accountRepo,
		txs:         txs,
		ledger:      ledgerService,
		converter:   converter,
		pool:        pool,
		throttle:    work.NewThrottle(cfg.ProviderMinInterval),
		events:      eventManager,
		cfg:         cfg,
		now:         time.Now,
		log:         log.With().Str("service", "banksync").Logger(),
	}
}

// SyncParams identifies the account to sync
type SyncParams struct {
	ConnectionID int64
	UserID       int64
	AccountID    int64
}

// SyncResult summarises one account sync
type SyncResult struct {
	ProviderBalance *ProviderBalance `json:"provider_balance,omitempty"`
	ImportedIDs     []int64          `json:"imported_ids"`
	AccountID       int64            `json:"account_id"`
	Fetched         int              `json:"fetched"`
	Imported        int              `json:"imported"`
	Skipped         int              `json:"skipped"`
	Restored        int              `json:"restored"`
	Linked          int              `json:"linked"`
	Migrated        int              `json:"migrated"`
}

// ownedConnection loads a connection of the user
func (s *Service) ownedConnection(ctx context.Context, userID, connectionID int64) (*domain.BankDataProviderConnection, error) {
	conn, err := s.connections.GetByID(ctx, s.db, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.UserID != userID {
		return nil, apperrors.NotFound("connection %d not found", connectionID)
	}
	return conn, nil
}

func (s *Service) ownedAccount(ctx context.Context, q database.Querier, userID, accountID int64) (*domain.Account, error) {
	account, err := s.accounts.GetByID(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.UserID != userID {
		return nil, apperrors.NotFound("account %d not found", accountID)
	}
	return account, nil
}

// SyncTransactionsForAccount pulls the account's recent provider
// transactions into the ledger. A failure is recorded on the account's sync
// status and returned.
func (s *Service) SyncTransactionsForAccount(ctx context.Context, p SyncParams) (*SyncResult, error) {
	conn, err := s.ownedConnection(ctx, p.UserID, p.ConnectionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, apperrors.NotAllowed("connection %d is deactivated and needs reauthorization", conn.ID)
	}
	account, err := s.ownedAccount(ctx, s.db, p.UserID, p.AccountID)
	if err != nil {
		return nil, err
	}
	if account.ConnectionID == nil || *account.ConnectionID != conn.ID {
		return nil, apperrors.NotAllowed("account %d is not linked to connection %d", account.ID, conn.ID)
	}

	claimed, err := s.statuses.Claim(ctx, s.db, account.ID, account.UserID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, apperrors.NotAllowed("account %d is already syncing", account.ID)
	}
	s.emitStatus(account, domain.SyncStatusSyncing, "", 0)

	result, err := s.syncAccount(ctx, conn, account)
	if err != nil {
		s.recordFailure(ctx, conn, account, err)
		return nil, err
	}

	if err := s.connections.RecordSuccess(ctx, s.db, conn.ID, s.now()); err != nil {
		return nil, err
	}
	if err := s.setStatus(ctx, account, domain.SyncStatusCompleted, "", result.Imported); err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("account_id", account.ID).
		Int("fetched", result.Fetched).
		Int("imported", result.Imported).
		Int("skipped", result.Skipped).
		Int("restored", result.Restored).
		Int("linked", result.Linked).
		Msg("Account synced")
	return result, nil
}

func (s *Service) syncAccount(ctx context.Context, conn *domain.BankDataProviderConnection, account *domain.Account) (*SyncResult, error) {
	creds, err := DecodeCredentials(conn.ProviderType, conn.Credentials, s.now())
	if err != nil {
		return nil, err
	}
	client, err := s.registry.Get(conn.ProviderType)
	if err != nil {
		return nil, err
	}
	session := &Connection{ID: conn.ID, UserID: conn.UserID, Credentials: creds}
	result := &SyncResult{AccountID: account.ID, ImportedIDs: []int64{}}

	var remote []ProviderAccount
	err = s.call(ctx, conn.ProviderType, func(ctx context.Context) error {
		remote, err = client.FetchAccounts(ctx, session)
		return err
	})
	if err != nil {
		return nil, err
	}
	pa := matchProviderAccount(account, remote)
	if pa == nil {
		return nil, apperrors.NotFound("provider no longer reports account %d", account.ID)
	}

	result.Migrated, err = s.migrateIdentity(ctx, account, *pa, client.IDScheme())
	if err != nil {
		return nil, err
	}

	window, err := s.fetchWindow(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	var fetched []ProviderTransaction
	err = s.call(ctx, conn.ProviderType, func(ctx context.Context) error {
		fetched, err = client.FetchTransactions(ctx, session, pa.ExternalID, window)
		return err
	})
	if err != nil {
		return nil, err
	}
	result.Fetched = len(fetched)

	imported, err := s.importTransactions(ctx, account, AccountKey(*pa), client.IDScheme(), fetched, result)
	if err != nil {
		return nil, err
	}
	for _, t := range imported {
		result.ImportedIDs = append(result.ImportedIDs, t.ID)
	}

	linked, err := s.autoLink(ctx, account, imported)
	if err != nil {
		return nil, err
	}
	result.Linked = linked

	var balance *ProviderBalance
	err = s.call(ctx, conn.ProviderType, func(ctx context.Context) error {
		balance, err = client.FetchBalance(ctx, session, pa.ExternalID)
		return err
	})
	if err != nil {
		// Balance is informational, the import already happened
		s.log.Warn().Err(err).Int64("account_id", account.ID).Msg("Failed to fetch provider balance")
	} else {
		result.ProviderBalance = balance
		s.checkBalance(ctx, account.ID, balance)
	}
	return result, nil
}

// call runs one provider request with throttling, a timeout and retries
func (s *Service) call(ctx context.Context, provider domain.AccountType, fn func(ctx context.Context) error) error {
	return s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if err := s.throttle.Wait(ctx, string(provider)); err != nil {
			return err
		}
		callCtx := ctx
		if s.cfg.ProviderTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.cfg.ProviderTimeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return apperrors.Provider(apperrors.ProviderGeneric, "provider call timed out", err)
		}
		return err
	})
}

// fetchWindow starts at the day of the newest imported transaction, or the
// default lookback when nothing was imported yet. It never starts after today.
func (s *Service) fetchWindow(ctx context.Context, accountID int64) (DateRange, error) {
	now := s.now().UTC()
	latest, err := s.txs.LatestImportedTime(ctx, s.db, accountID)
	if err != nil {
		return DateRange{}, err
	}
	from := now.Add(-s.cfg.DefaultLookback)
	if latest != nil {
		from = latest.Truncate(24 * time.Hour)
	}
	if today := now.Truncate(24 * time.Hour); from.After(today) {
		from = today
	}
	return DateRange{From: from, To: now}, nil
}

// checkBalance logs when the provider's balance disagrees with the ledger
func (s *Service) checkBalance(ctx context.Context, accountID int64, balance *ProviderBalance) {
	account, err := s.accounts.GetByID(ctx, s.db, accountID)
	if err != nil || account == nil {
		return
	}
	if account.CurrentBalance != balance.Amount {
		s.log.Warn().
			Int64("account_id", accountID).
			Int64("local", account.CurrentBalance).
			Int64("provider", balance.Amount).
			Msg("Provider balance differs from ledger")
	}
}

// recordFailure stores the failed status and tallies auth failures,
// deactivating the connection once the threshold is reached.
func (s *Service) recordFailure(ctx context.Context, conn *domain.BankDataProviderConnection, account *domain.Account, cause error) {
	ctx = context.WithoutCancel(ctx)

	if apperrors.IsAuthFailure(cause) {
		failures, err := s.connections.RecordAuthFailure(ctx, s.db, conn.ID)
		if err != nil {
			s.log.Error().Err(err).Int64("connection_id", conn.ID).Msg("Failed to record auth failure")
		} else if failures >= s.cfg.AuthFailureThreshold {
			reason := apperrors.Message(cause)
			if err := s.connections.Deactivate(ctx, s.db, conn.ID, reason); err != nil {
				s.log.Error().Err(err).Int64("connection_id", conn.ID).Msg("Failed to deactivate connection")
			} else {
				s.events.EmitTyped("banksync", &events.ConnectionDeactivatedData{
					ConnectionID: conn.ID,
					UserID:       conn.UserID,
					Reason:       reason,
				})
			}
		}
	}

	if err := s.setStatus(ctx, account, domain.SyncStatusFailed, cause.Error(), 0); err != nil {
		s.log.Error().Err(err).Int64("account_id", account.ID).Msg("Failed to record sync failure")
	}
	s.log.Error().Err(cause).Int64("account_id", account.ID).Int64("connection_id", conn.ID).Msg("Account sync failed")
}

func (s *Service) setStatus(ctx context.Context, account *domain.Account, status domain.SyncStatus, errMsg string, imported int) error {
	if _, err := s.statuses.Transition(ctx, s.db, account.ID, account.UserID, status, errMsg); err != nil {
		return err
	}
	s.emitStatus(account, status, errMsg, imported)
	return nil
}

func (s *Service) emitStatus(account *domain.Account, status domain.SyncStatus, errMsg string, imported int) {
	s.events.EmitTyped("banksync", &events.SyncStatusData{
		AccountID: account.ID,
		UserID:    account.UserID,
		Status:    string(status),
		Error:     errMsg,
		Imported:  imported,
	})
}

// matchProviderAccount finds the provider account behind a local account,
// by external id or, after a session rotation, by stable id.
func matchProviderAccount(account *domain.Account, remote []ProviderAccount) *ProviderAccount {
	stable := account.ExternalData.String(domain.ExternalKeyStableAccountID)
	for i := range remote {
		if account.ExternalID != nil && remote[i].ExternalID == *account.ExternalID {
			return &remote[i]
		}
	}
	if stable == "" {
		return nil
	}
	for i := range remote {
		if remote[i].StableID == stable {
			return &remote[i]
		}
	}
	return nil
}
