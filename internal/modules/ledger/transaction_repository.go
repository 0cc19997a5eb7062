// Package ledger owns transaction records and the flows that keep transfers,
// refunds, splits and account balances consistent with them.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/rs/zerolog"
)

const transactionColumns = `id, user_id, account_id, amount, ref_amount, currency_code, ref_currency_code,
	transaction_type, transfer_nature, transfer_id, account_type, original_id, category_id, payment_type,
	note, time, external_data, refund_linked, commission_rate, ref_commission_rate, cashback_amount,
	created_at, updated_at`

// TransactionRepository handles transaction persistence in ledger.db
type TransactionRepository struct {
	log zerolog.Logger
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{log: log.With().Str("repo", "transactions").Logger()}
}

// Insert stores a new transaction and sets its ID and timestamps
func (r *TransactionRepository) Insert(ctx context.Context, q database.Querier, tx *domain.Transaction) error {
	now := time.Now().UTC().Truncate(time.Second)
	if tx.ExternalData == nil {
		tx.ExternalData = domain.ExternalData{}
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO transactions (user_id, account_id, amount, ref_amount, currency_code, ref_currency_code,
			transaction_type, transfer_nature, transfer_id, account_type, original_id, category_id,
			payment_type, note, time, external_data, refund_linked, commission_rate, ref_commission_rate,
			cashback_amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.UserID, tx.AccountID, tx.Amount, tx.RefAmount, tx.CurrencyCode, tx.RefCurrencyCode,
		string(tx.TransactionType), string(tx.TransferNature), tx.TransferID, string(tx.AccountType),
		tx.OriginalID, tx.CategoryID, string(tx.PaymentType), tx.Note, tx.Time.Unix(), tx.ExternalData,
		tx.RefundLinked, tx.CommissionRate, tx.RefCommissionRate, tx.CashbackAmount, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get transaction id: %w", err)
	}
	tx.ID = id
	tx.CreatedAt = now
	tx.UpdatedAt = now
	return nil
}

// Update writes every mutable column of tx and bumps updated_at.
// A missing row is an invariant violation: callers load before they update.
func (r *TransactionRepository) Update(ctx context.Context, q database.Querier, tx *domain.Transaction, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE transactions SET
			account_id = ?, amount = ?, ref_amount = ?, currency_code = ?, ref_currency_code = ?,
			transaction_type = ?, transfer_nature = ?, transfer_id = ?, account_type = ?, original_id = ?,
			category_id = ?, payment_type = ?, note = ?, time = ?, external_data = ?, refund_linked = ?,
			commission_rate = ?, ref_commission_rate = ?, cashback_amount = ?, updated_at = ?
		WHERE id = ?`,
		tx.AccountID, tx.Amount, tx.RefAmount, tx.CurrencyCode, tx.RefCurrencyCode,
		string(tx.TransactionType), string(tx.TransferNature), tx.TransferID, string(tx.AccountType), tx.OriginalID,
		tx.CategoryID, string(tx.PaymentType), tx.Note, tx.Time.Unix(), tx.ExternalData, tx.RefundLinked,
		tx.CommissionRate, tx.RefCommissionRate, tx.CashbackAmount, now.Unix(),
		tx.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", tx.ID, err)
	}
	ok, err := database.RowsAffectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Unexpected("transaction %d disappeared during update", tx.ID)
	}
	tx.UpdatedAt = now.UTC().Truncate(time.Second)
	return nil
}

// Delete removes a transaction. Splits, tags and refund links cascade.
func (r *TransactionRepository) Delete(ctx context.Context, q database.Querier, id int64) error {
	res, err := q.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction %d: %w", id, err)
	}
	ok, err := database.RowsAffectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Unexpected("transaction %d disappeared during delete", id)
	}
	return nil
}

// GetByID returns a transaction, or nil if it does not exist
func (r *TransactionRepository) GetByID(ctx context.Context, q database.Querier, id int64) (*domain.Transaction, error) {
	return r.getOne(ctx, q, "WHERE id = ?", id)
}

// GetByOriginalID returns the transaction a provider imported under originalID
// on one account, or nil.
func (r *TransactionRepository) GetByOriginalID(ctx context.Context, q database.Querier, accountID int64, originalID string) (*domain.Transaction, error) {
	return r.getOne(ctx, q, "WHERE account_id = ? AND original_id = ?", accountID, originalID)
}

// GetByArchivedOriginalID finds a transaction whose original id was archived
// into external_data when its account was unlinked from a provider.
func (r *TransactionRepository) GetByArchivedOriginalID(ctx context.Context, q database.Querier, accountID int64, originalID string) (*domain.Transaction, error) {
	return r.getOne(ctx, q,
		"WHERE account_id = ? AND original_id IS NULL AND json_extract(external_data, '$."+domain.ExternalKeyArchivedOriginalID+"') = ? LIMIT 1",
		accountID, originalID,
	)
}

// GetByTransferID returns both legs of a transfer
func (r *TransactionRepository) GetByTransferID(ctx context.Context, q database.Querier, transferID string) ([]*domain.Transaction, error) {
	return r.list(ctx, q, "WHERE transfer_id = ? ORDER BY id", transferID)
}

// GetManyForUser returns the user's transactions among ids. Missing or
// foreign ids are simply absent from the result.
func (r *TransactionRepository) GetManyForUser(ctx context.Context, q database.Querier, userID int64, ids []int64) ([]*domain.Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	return r.list(ctx, q, "WHERE user_id = ? AND id IN ("+placeholders(len(ids))+") ORDER BY id", args...)
}

// ListFilter narrows ListForUser
type ListFilter struct {
	From            *time.Time
	To              *time.Time
	AccountIDs      []int64
	TransactionType domain.TransactionType
	TransferNature  domain.TransferNature
	UserID          int64
	Limit           int
	Offset          int
}

// ListForUser returns a page of the user's transactions, newest first
func (r *TransactionRepository) ListForUser(ctx context.Context, q database.Querier, f ListFilter) ([]*domain.Transaction, error) {
	where := []string{"user_id = ?"}
	args := []interface{}{f.UserID}

	if len(f.AccountIDs) > 0 {
		where = append(where, "account_id IN ("+placeholders(len(f.AccountIDs))+")")
		for _, id := range f.AccountIDs {
			args = append(args, id)
		}
	}
	if f.From != nil {
		where = append(where, "time >= ?")
		args = append(args, f.From.Unix())
	}
	if f.To != nil {
		where = append(where, "time <= ?")
		args = append(args, f.To.Unix())
	}
	if f.TransactionType != "" {
		where = append(where, "transaction_type = ?")
		args = append(args, string(f.TransactionType))
	}
	if f.TransferNature != "" {
		where = append(where, "transfer_nature = ?")
		args = append(args, string(f.TransferNature))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	return r.list(ctx, q, "WHERE "+strings.Join(where, " AND ")+" ORDER BY time DESC, id DESC LIMIT ? OFFSET ?", args...)
}

// ListByAccount returns every transaction of an account in time order
func (r *TransactionRepository) ListByAccount(ctx context.Context, q database.Querier, accountID int64) ([]*domain.Transaction, error) {
	return r.list(ctx, q, "WHERE account_id = ? ORDER BY time, id", accountID)
}

// LatestImportedTime returns the time of the newest provider-imported
// transaction on an account, or nil. Manual entries are ignored.
func (r *TransactionRepository) LatestImportedTime(ctx context.Context, q database.Querier, accountID int64) (*time.Time, error) {
	var latest sql.NullInt64
	err := q.QueryRowContext(ctx,
		"SELECT MAX(time) FROM transactions WHERE account_id = ? AND original_id IS NOT NULL", accountID,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest imported transaction time: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := time.Unix(latest.Int64, 0).UTC()
	return &t, nil
}

// SetProvenance rewrites the provider identity of a transaction: its
// original id, account type and external data. Amounts are untouched.
func (r *TransactionRepository) SetProvenance(ctx context.Context, q database.Querier, t *domain.Transaction, now time.Time) error {
	res, err := q.ExecContext(ctx,
		"UPDATE transactions SET original_id = ?, account_type = ?, external_data = ?, updated_at = ? WHERE id = ?",
		t.OriginalID, string(t.AccountType), t.ExternalData, now.Unix(), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update provenance of transaction %d: %w", t.ID, err)
	}
	ok, err := database.RowsAffectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Unexpected("transaction %d disappeared during provenance update", t.ID)
	}
	return nil
}

// ListImported returns the account's transactions that carry an original id
func (r *TransactionRepository) ListImported(ctx context.Context, q database.Querier, accountID int64) ([]*domain.Transaction, error) {
	return r.list(ctx, q, "WHERE account_id = ? AND original_id IS NOT NULL ORDER BY id", accountID)
}

// LinkCandidateFilter describes the counterpart leg an imported transaction
// could be paired with.
type LinkCandidateFilter struct {
	From             time.Time
	To               time.Time
	CorrelationID    string
	CounterpartyIBAN string
	AccountIDs       []int64
	TransactionType  domain.TransactionType
	CurrencyCode     string
	UserID           int64
	ExcludeAccount   int64
	Amount           int64
}

// FindLinkCandidates returns unpaired transactions matching f: same user,
// another account, the given type, amount and currency, inside the time
// window. AccountIDs, CorrelationID or CounterpartyIBAN must narrow the
// search; the first one set is used.
func (r *TransactionRepository) FindLinkCandidates(ctx context.Context, q database.Querier, f LinkCandidateFilter) ([]*domain.Transaction, error) {
	where := []string{
		"user_id = ?", "account_id != ?", "transaction_type = ?", "amount = ?", "currency_code = ?",
		"transfer_nature = ?", "refund_linked = 0", "time >= ?", "time <= ?",
	}
	args := []interface{}{
		f.UserID, f.ExcludeAccount, string(f.TransactionType), f.Amount, f.CurrencyCode,
		string(domain.TransferNatureNone), f.From.Unix(), f.To.Unix(),
	}

	switch {
	case len(f.AccountIDs) > 0:
		where = append(where, "account_id IN ("+placeholders(len(f.AccountIDs))+")")
		for _, id := range f.AccountIDs {
			args = append(args, id)
		}
	case f.CorrelationID != "":
		where = append(where, "json_extract(external_data, '$."+domain.ExternalKeyCorrelationID+"') = ?")
		args = append(args, f.CorrelationID)
	case f.CounterpartyIBAN != "":
		where = append(where, "UPPER(REPLACE(COALESCE(json_extract(external_data, '$."+domain.ExternalKeyCounterpartyIBAN+"'), ''), ' ', '')) = ?")
		args = append(args, strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(f.CounterpartyIBAN), " ", "")))
	default:
		return nil, nil
	}

	return r.list(ctx, q, "WHERE "+strings.Join(where, " AND ")+" ORDER BY time, id", args...)
}

// SetRefundLinked sets the derived refund flag
func (r *TransactionRepository) SetRefundLinked(ctx context.Context, q database.Querier, id int64, linked bool, now time.Time) error {
	_, err := q.ExecContext(ctx,
		"UPDATE transactions SET refund_linked = ?, updated_at = ? WHERE id = ?",
		linked, now.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set refund flag on transaction %d: %w", id, err)
	}
	return nil
}

// Touch bumps updated_at on every id
func (r *TransactionRepository) Touch(ctx context.Context, q database.Querier, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, now.Unix())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := q.ExecContext(ctx, "UPDATE transactions SET updated_at = ? WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return fmt.Errorf("failed to touch transactions: %w", err)
	}
	return nil
}

func (r *TransactionRepository) getOne(ctx context.Context, q database.Querier, where string, args ...interface{}) (*domain.Transaction, error) {
	row := q.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM transactions "+where, args...)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (r *TransactionRepository) list(ctx context.Context, q database.Querier, where string, args ...interface{}) ([]*domain.Transaction, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+transactionColumns+" FROM transactions "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx                           domain.Transaction
		txType, nature, accType, pay string
		transferID, originalID       sql.NullString
		categoryID                   sql.NullInt64
		txTime, createdAt, updatedAt int64
	)
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.AccountID, &tx.Amount, &tx.RefAmount, &tx.CurrencyCode, &tx.RefCurrencyCode,
		&txType, &nature, &transferID, &accType, &originalID, &categoryID, &pay,
		&tx.Note, &txTime, &tx.ExternalData, &tx.RefundLinked, &tx.CommissionRate, &tx.RefCommissionRate,
		&tx.CashbackAmount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.TransactionType = domain.TransactionType(txType)
	tx.TransferNature = domain.TransferNature(nature)
	tx.AccountType = domain.AccountType(accType)
	tx.PaymentType = domain.PaymentType(pay)
	if transferID.Valid {
		tx.TransferID = &transferID.String
	}
	if originalID.Valid {
		tx.OriginalID = &originalID.String
	}
	if categoryID.Valid {
		tx.CategoryID = &categoryID.Int64
	}
	tx.Time = time.Unix(txTime, 0).UTC()
	tx.CreatedAt = time.Unix(createdAt, 0).UTC()
	tx.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &tx, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
