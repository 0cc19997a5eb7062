package banksync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/modules/currency"
	"github.com/aristath/tally/internal/utils"
	"github.com/aristath/tally/internal/work"
)

// AccountOutcome is the result of one account within a connection sync
type AccountOutcome struct {
	Result    *SyncResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	AccountID int64       `json:"account_id"`
	err       error
}

// SyncConnection syncs every account of a connection on the worker pool.
// One account failing does not stop the others; failures are reported per
// account.
func (s *Service) SyncConnection(ctx context.Context, userID, connectionID int64) ([]AccountOutcome, error) {
	defer utils.OperationTimer("sync_connection", s.log)()

	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, apperrors.NotAllowed("connection %d is deactivated and needs reauthorization", conn.ID)
	}
	linked, err := s.accounts.ListByConnection(ctx, s.db, conn.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(linked))
	for _, a := range linked {
		ids = append(ids, a.ID)
	}
	if _, err := s.QueueAccounts(ctx, userID, ids); err != nil {
		return nil, err
	}

	outcomes := make([]AccountOutcome, len(ids))
	futures := make([]*work.Future, len(ids))
	for i, accountID := range ids {
		i, accountID := i, accountID
		outcomes[i].AccountID = accountID
		futures[i] = s.pool.Submit(ctx, work.Task{
			Key: fmt.Sprintf("%s:%d", conn.ProviderType, accountID),
			Run: func(ctx context.Context) error {
				result, err := s.SyncTransactionsForAccount(ctx, SyncParams{
					ConnectionID: conn.ID,
					UserID:       userID,
					AccountID:    accountID,
				})
				outcomes[i].Result = result
				return err
			},
		})
	}

	for i, err := range work.AwaitAll(ctx, futures) {
		if err != nil {
			outcomes[i].err = err
			outcomes[i].Error = err.Error()
		}
	}
	return outcomes, nil
}

// SyncUser syncs every active connection of a user
func (s *Service) SyncUser(ctx context.Context, userID int64) ([]AccountOutcome, error) {
	conns, err := s.connections.ListByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	var all []AccountOutcome
	for _, conn := range conns {
		if !conn.IsActive {
			continue
		}
		outcomes, err := s.SyncConnection(ctx, userID, conn.ID)
		if err != nil {
			return all, err
		}
		all = append(all, outcomes...)
	}
	return all, nil
}

// ActiveConnectionIDs lists every connection the background sync covers
func (s *Service) ActiveConnectionIDs(ctx context.Context) ([]int64, error) {
	conns, err := s.connections.ListActive(ctx, s.db)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// SyncConnectionByID is the background entry point: it syncs a connection
// on behalf of its owner and reports account failures as one error, so the
// work processor retries the connection.
func (s *Service) SyncConnectionByID(ctx context.Context, connectionID int64) error {
	conn, err := s.connections.GetByID(ctx, s.db, connectionID)
	if err != nil {
		return err
	}
	if conn == nil || !conn.IsActive {
		return nil
	}
	outcomes, err := s.SyncConnection(ctx, conn.UserID, conn.ID)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range outcomes {
		if o.err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", o.AccountID, o.err))
		}
	}
	return errors.Join(errs...)
}

// ResetStale returns abandoned queued or syncing statuses to idle
func (s *Service) ResetStale(ctx context.Context) (int64, error) {
	return s.statuses.ResetStale(ctx, s.db)
}

// QueueAccounts marks accounts as queued for sync. Accounts already syncing
// keep their status.
func (s *Service) QueueAccounts(ctx context.Context, userID int64, accountIDs []int64) ([]*domain.AccountSyncStatus, error) {
	out := make([]*domain.AccountSyncStatus, 0, len(accountIDs))
	for _, id := range accountIDs {
		account, err := s.ownedAccount(ctx, s.db, userID, id)
		if err != nil {
			return nil, err
		}
		current, err := s.statuses.Get(ctx, s.db, account.ID, userID)
		if err != nil {
			return nil, err
		}
		if current.Status == domain.SyncStatusSyncing {
			out = append(out, current)
			continue
		}
		st, err := s.statuses.Transition(ctx, s.db, account.ID, userID, domain.SyncStatusQueued, "")
		if err != nil {
			return nil, err
		}
		s.events.EmitTyped("banksync", &events.SyncStatusData{
			Status:    string(st.Status),
			AccountID: account.ID,
			UserID:    userID,
		})
		out = append(out, st)
	}
	return out, nil
}

// GetStatus returns the sync status of one of the user's accounts
func (s *Service) GetStatus(ctx context.Context, userID, accountID int64) (*domain.AccountSyncStatus, error) {
	if _, err := s.ownedAccount(ctx, s.db, userID, accountID); err != nil {
		return nil, err
	}
	return s.statuses.Get(ctx, s.db, accountID, userID)
}

// Summary aggregates the sync state of a user's provider accounts
type Summary struct {
	LastCompletedAt *time.Time                  `json:"last_completed_at,omitempty"`
	Counts          map[domain.SyncStatus]int   `json:"counts"`
	Accounts        []*domain.AccountSyncStatus `json:"accounts"`
	Total           int                         `json:"total"`
	InProgress      bool                        `json:"in_progress"`
}

// GetSummary returns the sync state of every provider-linked account of a user
func (s *Service) GetSummary(ctx context.Context, userID int64) (*Summary, error) {
	all, err := s.accounts.ListByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	summary := &Summary{
		Counts:   make(map[domain.SyncStatus]int),
		Accounts: []*domain.AccountSyncStatus{},
	}
	for _, a := range all {
		if a.ConnectionID == nil {
			continue
		}
		st, err := s.statuses.Get(ctx, s.db, a.ID, userID)
		if err != nil {
			return nil, err
		}
		summary.Accounts = append(summary.Accounts, st)
		summary.Counts[st.Status]++
		summary.Total++
		if st.Status.InProgress() {
			summary.InProgress = true
		}
		if st.CompletedAt != nil && st.Status == domain.SyncStatusCompleted {
			if summary.LastCompletedAt == nil || st.CompletedAt.After(*summary.LastCompletedAt) {
				summary.LastCompletedAt = st.CompletedAt
			}
		}
	}
	return summary, nil
}

// CreateConnectionParams describes a new provider connection
type CreateConnectionParams struct {
	Credentials  json.RawMessage
	ProviderType domain.AccountType
	ProviderName string
	UserID       int64
}

// CreateConnection validates credentials and stores a new connection
func (s *Service) CreateConnection(ctx context.Context, p CreateConnectionParams) (*domain.BankDataProviderConnection, error) {
	if _, err := DecodeCredentials(p.ProviderType, p.Credentials, s.now()); err != nil {
		return nil, err
	}
	conn := &domain.BankDataProviderConnection{
		UserID:       p.UserID,
		ProviderType: p.ProviderType,
		ProviderName: p.ProviderName,
		Credentials:  p.Credentials,
	}
	if conn.ProviderName == "" {
		conn.ProviderName = string(p.ProviderType)
	}
	if err := s.connections.Create(ctx, s.db, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Reauthorize stores fresh credentials and reactivates the connection
func (s *Service) Reauthorize(ctx context.Context, userID, connectionID int64, credentials json.RawMessage) error {
	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	if _, err := DecodeCredentials(conn.ProviderType, credentials, s.now()); err != nil {
		return err
	}
	return s.connections.Reactivate(ctx, s.db, conn.ID, credentials)
}

// ImportAccounts creates local accounts for provider accounts the
// connection has not imported yet and returns them.
func (s *Service) ImportAccounts(ctx context.Context, userID, connectionID int64) ([]*domain.Account, error) {
	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, apperrors.NotAllowed("connection %d is deactivated and needs reauthorization", conn.ID)
	}
	creds, err := DecodeCredentials(conn.ProviderType, conn.Credentials, s.now())
	if err != nil {
		return nil, err
	}
	client, err := s.registry.Get(conn.ProviderType)
	if err != nil {
		return nil, err
	}

	session := &Connection{ID: conn.ID, UserID: conn.UserID, Credentials: creds}

	var remote []ProviderAccount
	err = s.call(ctx, conn.ProviderType, func(ctx context.Context) error {
		remote, err = client.FetchAccounts(ctx, session)
		return err
	})
	if err != nil {
		return nil, err
	}
	existing, err := s.accounts.ListByConnection(ctx, s.db, conn.ID)
	if err != nil {
		return nil, err
	}

	var created []*domain.Account
	for _, pa := range remote {
		if known(existing, pa) {
			continue
		}
		account, err := s.createImportedAccount(ctx, conn, client, session, pa)
		if err != nil {
			return created, err
		}
		created = append(created, account)
	}
	return created, nil
}

func known(existing []*domain.Account, pa ProviderAccount) bool {
	for _, a := range existing {
		if matchProviderAccount(a, []ProviderAccount{pa}) != nil {
			return true
		}
	}
	return false
}

// createImportedAccount opens the account at the balance it had before the
// lookback window, so the first sync's import lands on the provider balance.
func (s *Service) createImportedAccount(ctx context.Context, conn *domain.BankDataProviderConnection, client ProviderClient, session *Connection, pa ProviderAccount) (*domain.Account, error) {
	now := s.now().UTC()
	var history []ProviderTransaction
	err := s.call(ctx, conn.ProviderType, func(ctx context.Context) error {
		var err error
		history, err = client.FetchTransactions(ctx, session, pa.ExternalID, DateRange{From: now.Add(-s.cfg.DefaultLookback), To: now})
		return err
	})
	if err != nil {
		return nil, err
	}
	opening := pa.Balance
	for _, pt := range history {
		amount := pt.Amount
		if amount < 0 {
			amount = -amount
		}
		if transactionType(pt) == domain.TransactionTypeExpense {
			amount = -amount
		}
		opening -= amount
	}

	ref, err := s.converter.Convert(ctx, currency.ConvertParams{
		Amount:   opening,
		UserID:   conn.UserID,
		BaseCode: pa.Currency,
		Date:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to convert imported balance: %w", err)
	}

	data := domain.ExternalData{}
	if pa.StableID != "" {
		data[domain.ExternalKeyStableAccountID] = pa.StableID
	}
	if pa.IBAN != "" {
		data[domain.ExternalKeyIBAN] = pa.IBAN
	}
	externalID := pa.ExternalID
	connectionID := conn.ID
	account := &domain.Account{
		UserID:            conn.UserID,
		Name:              pa.Name,
		Type:              conn.ProviderType,
		CurrencyCode:      pa.Currency,
		CurrentBalance:    opening,
		InitialBalance:    opening,
		RefCurrentBalance: ref,
		RefInitialBalance: ref,
		ExternalID:        &externalID,
		ConnectionID:      &connectionID,
		ExternalData:      data,
		IsEnabled:         true,
	}
	if err := s.accounts.Create(ctx, s.db, account); err != nil {
		return nil, err
	}
	s.log.Info().Int64("account_id", account.ID).Int64("connection_id", conn.ID).Msg("Imported provider account")
	return account, nil
}

// UnlinkAccount detaches an account from its provider. Original ids are
// archived into external data and cleared, so the transactions become
// editable; the account becomes a system account.
func (s *Service) UnlinkAccount(ctx context.Context, userID, accountID int64) (int, error) {
	archived := 0
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		account, err := s.ownedAccount(ctx, tx, userID, accountID)
		if err != nil {
			return err
		}
		if account.Type.IsSystem() {
			return apperrors.Validation("account %d is not linked to a provider", account.ID)
		}

		imported, err := s.txs.ListImported(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		for _, t := range imported {
			t.ExternalData = t.ExternalData.With(domain.ExternalKeyArchivedOriginalID, *t.OriginalID)
			t.OriginalID = nil
			t.AccountType = domain.AccountTypeSystem
			if err := s.txs.SetProvenance(ctx, tx, t, s.now()); err != nil {
				return err
			}
			archived++
		}

		data := account.ExternalData.With(domain.ExternalKeyArchivedType, string(account.Type))
		if err := s.accounts.UpdateExternalData(ctx, tx, account.ID, data); err != nil {
			return err
		}
		return s.accounts.UpdateProvenance(ctx, tx, account.ID, domain.AccountTypeSystem, nil, account.ExternalID)
	})
	if err != nil {
		return 0, err
	}
	s.log.Info().Int64("account_id", accountID).Int("archived", archived).Msg("Account unlinked from provider")
	return archived, nil
}

// RelinkAccount reattaches an unlinked account to a connection of the
// provider it came from. The next sync restores archived original ids
// instead of importing duplicates.
func (s *Service) RelinkAccount(ctx context.Context, userID, accountID, connectionID int64) error {
	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	return database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		account, err := s.ownedAccount(ctx, tx, userID, accountID)
		if err != nil {
			return err
		}
		previous := domain.AccountType(account.ExternalData.String(domain.ExternalKeyArchivedType))
		if !account.Type.IsSystem() || previous == "" {
			return apperrors.Validation("account %d was not unlinked from a provider", account.ID)
		}
		if previous != conn.ProviderType {
			return apperrors.Validation("account %d came from %s, connection %d is %s", account.ID, previous, conn.ID, conn.ProviderType)
		}

		data := account.ExternalData.Without(domain.ExternalKeyArchivedType)
		if err := s.accounts.UpdateExternalData(ctx, tx, account.ID, data); err != nil {
			return err
		}
		connID := conn.ID
		return s.accounts.UpdateProvenance(ctx, tx, account.ID, conn.ProviderType, &connID, account.ExternalID)
	})
}

// SyncAccount syncs one account through the connection it is linked to
func (s *Service) SyncAccount(ctx context.Context, userID, accountID int64) (*SyncResult, error) {
	account, err := s.ownedAccount(ctx, s.db, userID, accountID)
	if err != nil {
		return nil, err
	}
	if account.ConnectionID == nil {
		return nil, apperrors.NotAllowed("account %d is not linked to a provider", account.ID)
	}
	return s.SyncTransactionsForAccount(ctx, SyncParams{
		ConnectionID: *account.ConnectionID,
		UserID:       userID,
		AccountID:    account.ID,
	})
}

// ListConnections returns the user's provider connections
func (s *Service) ListConnections(ctx context.Context, userID int64) ([]*domain.BankDataProviderConnection, error) {
	return s.connections.ListByUser(ctx, s.db, userID)
}
