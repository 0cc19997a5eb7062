// Package accounts provides account persistence and the balance recalculation
// service that keeps account totals consistent with the ledger.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/rs/zerolog"
)

const accountColumns = `id, user_id, name, type, currency_code, current_balance, initial_balance,
	ref_current_balance, ref_initial_balance, external_id, bank_data_provider_connection_id,
	external_data, is_enabled, created_at, updated_at`

// Repository handles account persistence in ledger.db.
// Every method takes the Querier to run on, so the same code serves both
// standalone reads and steps of a caller's unit of work.
type Repository struct {
	log zerolog.Logger
}

// NewRepository creates a new account repository.
//
// Parameters:
//   - log: Structured logger
//
// Returns:
//   - *Repository: Initialized repository instance
func NewRepository(log zerolog.Logger) *Repository {
	return &Repository{
		log: log.With().Str("repo", "accounts").Logger(),
	}
}

// Create inserts a new account and sets its ID.
//
// Parameters:
//   - ctx: Request context
//   - q: Connection or transaction to run on
//   - a: Account to insert; ID, CreatedAt and UpdatedAt are filled in
//
// Returns:
//   - error: Error if the insert fails
func (r *Repository) Create(ctx context.Context, q database.Querier, a *domain.Account) error {
	now := time.Now().UTC().Truncate(time.Second)
	if a.Type == "" {
		a.Type = domain.AccountTypeSystem
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO accounts (user_id, name, type, currency_code, current_balance, initial_balance,
			ref_current_balance, ref_initial_balance, external_id, bank_data_provider_connection_id,
			external_data, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.Name, a.Type, a.CurrencyCode, a.CurrentBalance, a.InitialBalance,
		a.RefCurrentBalance, a.RefInitialBalance, a.ExternalID, a.ConnectionID,
		a.ExternalData, a.IsEnabled, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get account id: %w", err)
	}
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

// GetByID returns an account by ID.
//
// Returns:
//   - *domain.Account: The account, or nil if it does not exist
//   - error: Error if the query fails
func (r *Repository) GetByID(ctx context.Context, q database.Querier, id int64) (*domain.Account, error) {
	row := q.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	return a, nil
}

// ListByUser returns all accounts of a user ordered by ID.
func (r *Repository) ListByUser(ctx context.Context, q database.Querier, userID int64) ([]*domain.Account, error) {
	return r.list(ctx, q, "WHERE user_id = ? ORDER BY id", userID)
}

// ListByConnection returns the accounts imported through one provider connection.
func (r *Repository) ListByConnection(ctx context.Context, q database.Querier, connectionID int64) ([]*domain.Account, error) {
	return r.list(ctx, q, "WHERE bank_data_provider_connection_id = ? ORDER BY id", connectionID)
}

// GetByExternalID returns the account a connection imported under externalID.
//
// Returns:
//   - *domain.Account: The account, or nil if none matches
//   - error: Error if the query fails
func (r *Repository) GetByExternalID(ctx context.Context, q database.Querier, connectionID int64, externalID string) (*domain.Account, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE bank_data_provider_connection_id = ? AND external_id = ?",
		connectionID, externalID,
	)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by external id: %w", err)
	}
	return a, nil
}

// FindByIBAN returns the user's accounts tagged with the given IBAN,
// excluding one account (usually the one being synced).
// IBANs are compared without spaces and case-insensitively.
func (r *Repository) FindByIBAN(ctx context.Context, q database.Querier, userID int64, iban string, excludeID int64) ([]*domain.Account, error) {
	normalized := NormalizeIBAN(iban)
	if normalized == "" {
		return nil, nil
	}
	return r.list(ctx, q, `
		WHERE user_id = ? AND id != ?
		AND UPPER(REPLACE(COALESCE(json_extract(external_data, '$.iban'), ''), ' ', '')) = ?
		ORDER BY id`,
		userID, excludeID, normalized,
	)
}

func (r *Repository) list(ctx context.Context, q database.Querier, where string, args ...interface{}) ([]*domain.Account, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return out, nil
}

// ApplyDelta moves the current balances by the given signed amounts and
// returns the resulting balances. Balances are never overwritten, so two
// concurrent deltas on one account cannot lose an update.
//
// Parameters:
//   - id: Account ID
//   - native: Signed change in the account currency
//   - ref: Signed change in the reference currency
//
// Returns:
//   - current, refCurrent: Balances after the update
//   - error: Error if the account does not exist or the update fails
func (r *Repository) ApplyDelta(ctx context.Context, q database.Querier, id, native, ref int64) (current, refCurrent int64, err error) {
	err = q.QueryRowContext(ctx, `
		UPDATE accounts
		SET current_balance = current_balance + ?,
			ref_current_balance = ref_current_balance + ?,
			updated_at = ?
		WHERE id = ?
		RETURNING current_balance, ref_current_balance`,
		native, ref, time.Now().Unix(), id,
	).Scan(&current, &refCurrent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("account %d not found while applying balance delta", id)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to apply balance delta to account %d: %w", id, err)
	}
	return current, refCurrent, nil
}

// ApplyInitialDelta moves the initial balances by the given signed amounts.
func (r *Repository) ApplyInitialDelta(ctx context.Context, q database.Querier, id, native, ref int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts
		SET initial_balance = initial_balance + ?,
			ref_initial_balance = ref_initial_balance + ?,
			updated_at = ?
		WHERE id = ?`,
		native, ref, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to apply initial balance delta to account %d: %w", id, err)
	}
	if ok, err := database.RowsAffectedOne(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("account %d not found while applying initial balance delta", id)
	}
	return nil
}

// UpdateExternalData replaces the provider metadata of an account.
func (r *Repository) UpdateExternalData(ctx context.Context, q database.Querier, id int64, data domain.ExternalData) error {
	_, err := q.ExecContext(ctx,
		"UPDATE accounts SET external_data = ?, updated_at = ? WHERE id = ?",
		data, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update external data of account %d: %w", id, err)
	}
	return nil
}

// UpdateProvenance changes the account type and its link to a provider connection.
// Passing nil connectionID detaches the account from any connection.
func (r *Repository) UpdateProvenance(ctx context.Context, q database.Querier, id int64, accountType domain.AccountType, connectionID *int64, externalID *string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE accounts
		SET type = ?, bank_data_provider_connection_id = ?, external_id = ?, updated_at = ?
		WHERE id = ?`,
		accountType, connectionID, externalID, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update provenance of account %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		a            domain.Account
		externalID   sql.NullString
		connectionID sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.Name, &a.Type, &a.CurrencyCode, &a.CurrentBalance, &a.InitialBalance,
		&a.RefCurrentBalance, &a.RefInitialBalance, &externalID, &connectionID,
		&a.ExternalData, &a.IsEnabled, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if externalID.Valid {
		a.ExternalID = &externalID.String
	}
	if connectionID.Valid {
		a.ConnectionID = &connectionID.Int64
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

// NormalizeIBAN strips spaces and upper-cases an IBAN
func NormalizeIBAN(iban string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(iban), " ", ""))
}
