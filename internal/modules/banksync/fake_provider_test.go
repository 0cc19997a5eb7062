package banksync

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/modules/accounts"
	"github.com/aristath/tally/internal/modules/currency"
	"github.com/aristath/tally/internal/modules/ledger"
	testingpkg "github.com/aristath/tally/internal/testing"
	"github.com/aristath/tally/internal/work"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type identityConverter struct{}

func (identityConverter) Convert(ctx context.Context, p currency.ConvertParams) (int64, error) {
	return p.Amount, nil
}

func (identityConverter) ReferenceCurrency(ctx context.Context, userID int64) (string, error) {
	return "EUR", nil
}

// fakeProvider serves canned accounts and transactions
type fakeProvider struct {
	mu           sync.Mutex
	kind         domain.AccountType
	scheme       IDScheme
	accounts     []ProviderAccount
	transactions map[string][]ProviderTransaction
	accountsErr  error
	txErr        map[string]error
	fetches      int
}

func newFakeProvider(kind domain.AccountType, scheme IDScheme) *fakeProvider {
	return &fakeProvider{
		kind:         kind,
		scheme:       scheme,
		transactions: make(map[string][]ProviderTransaction),
		txErr:        make(map[string]error),
	}
}

func (f *fakeProvider) Type() domain.AccountType { return f.kind }
func (f *fakeProvider) IDScheme() IDScheme       { return f.scheme }

func (f *fakeProvider) FetchAccounts(ctx context.Context, conn *Connection) ([]ProviderAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountsErr != nil {
		return nil, f.accountsErr
	}
	return append([]ProviderAccount(nil), f.accounts...), nil
}

func (f *fakeProvider) FetchTransactions(ctx context.Context, conn *Connection, externalAccountID string, r DateRange) ([]ProviderTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.txErr[externalAccountID]; err != nil {
		return nil, err
	}
	return append([]ProviderTransaction(nil), f.transactions[externalAccountID]...), nil
}

func (f *fakeProvider) FetchBalance(ctx context.Context, conn *Connection, externalAccountID string) (*ProviderBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, t := range f.transactions[externalAccountID] {
		total += t.Amount
	}
	return &ProviderBalance{AsOf: time.Now(), Currency: "EUR", Amount: total}, nil
}

func (f *fakeProvider) set(externalAccountID string, txs ...ProviderTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[externalAccountID] = txs
}

func (f *fakeProvider) setAccounts(accounts ...ProviderAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = accounts
}

func newSyncFixture(t *testing.T, clients ...ProviderClient) (*sql.DB, *Service) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	log := zerolog.Nop()
	conn := db.Conn()
	accountRepo := accounts.NewRepository(log)
	txs := ledger.NewTransactionRepository(log)
	balances := accounts.NewBalanceService(conn, accountRepo, accounts.NewHistoryRepository(log), identityConverter{}, log)
	ledgerService := ledger.NewService(
		conn,
		txs,
		ledger.NewSplitRepository(log),
		ledger.NewTagRepository(log),
		ledger.NewRefundRepository(log),
		accountRepo,
		balances,
		identityConverter{},
		nil,
		log,
	)

	cfg := DefaultConfig()
	cfg.ProviderMinInterval = 0
	cfg.Retry = work.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	svc := NewService(
		conn,
		NewRegistry(clients...),
		NewConnectionRepository(log),
		NewStatusRepository(time.Hour, log),
		accountRepo,
		txs,
		ledgerService,
		identityConverter{},
		work.NewPool(2, log),
		nil,
		cfg,
		log,
	)
	return conn, svc
}

type storedTx struct {
	OriginalID     sql.NullString
	TransferID     sql.NullString
	AccountType    string
	TransferNature string
	Type           string
	Amount         int64
}

func storedTransactions(t *testing.T, db *sql.DB, accountID int64) []storedTx {
	t.Helper()
	rows, err := db.Query(`
		SELECT original_id, transfer_id, account_type, transfer_nature, transaction_type, amount
		FROM transactions WHERE account_id = ? ORDER BY time, id`, accountID)
	require.NoError(t, err)
	defer rows.Close()

	var out []storedTx
	for rows.Next() {
		var s storedTx
		require.NoError(t, rows.Scan(&s.OriginalID, &s.TransferID, &s.AccountType, &s.TransferNature, &s.Type, &s.Amount))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

func day(offset int) *time.Time {
	d := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, offset).Add(10 * time.Hour)
	return &d
}
