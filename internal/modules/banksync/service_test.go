package banksync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/modules/ledger"
	testingpkg "github.com/aristath/tally/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lunchflowCreds = `{"api_key":"key"}`

func TestSyncTransactionsForAccount_Idempotent(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	accountID := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "lunchflow", Currency: "EUR", ExternalID: "acc-1", ConnectionID: connID,
	})
	provider.setAccounts(ProviderAccount{ExternalID: "acc-1", Name: "Main", Currency: "EUR"})
	provider.set("acc-1",
		ProviderTransaction{ExternalID: "t1", Amount: -500, Currency: "EUR", Description: "Coffee", Dates: TransactionDates{TransactionDate: day(-3)}},
		ProviderTransaction{ExternalID: "t2", Amount: 1200, Currency: "EUR", Description: "Salary", Dates: TransactionDates{BookingDate: day(-2)}},
	)
	params := SyncParams{ConnectionID: connID, UserID: 1, AccountID: accountID}

	first, err := svc.SyncTransactionsForAccount(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Fetched)
	assert.Equal(t, 2, first.Imported)
	assert.Len(t, first.ImportedIDs, 2)
	require.NotNil(t, first.ProviderBalance)
	assert.Equal(t, int64(700), first.ProviderBalance.Amount)

	second, err := svc.SyncTransactionsForAccount(ctx, params)
	require.NoError(t, err)
	assert.Zero(t, second.Imported)
	assert.Equal(t, 2, second.Skipped)

	stored := storedTransactions(t, db, accountID)
	require.Len(t, stored, 2)
	assert.Equal(t, "t1", stored[0].OriginalID.String)
	assert.Equal(t, "expense", stored[0].Type)
	assert.Equal(t, int64(500), stored[0].Amount)
	assert.Equal(t, "lunchflow", stored[0].AccountType)

	current, _, _, _ := testingpkg.AccountBalances(t, db, accountID)
	assert.Equal(t, int64(700), current)

	status, err := svc.GetStatus(ctx, 1, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusCompleted, status.Status)
	assert.NotNil(t, status.CompletedAt)
}

func TestSyncTransactionsForAccount_ContentHashSurvivesBetterDate(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	accountID := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "lunchflow", Currency: "EUR", ExternalID: "acc-1", ConnectionID: connID,
	})
	provider.setAccounts(ProviderAccount{ExternalID: "acc-1", Currency: "EUR"})
	params := SyncParams{ConnectionID: connID, UserID: 1, AccountID: accountID}

	// Pending first, only the booking date is known
	provider.set("acc-1", ProviderTransaction{Amount: -250, Description: "Groceries", Dates: TransactionDates{BookingDate: day(-1)}})
	_, err := svc.SyncTransactionsForAccount(ctx, params)
	require.NoError(t, err)

	provider.set("acc-1", ProviderTransaction{Amount: -250, Description: "Groceries", Dates: TransactionDates{TransactionDate: day(-2), BookingDate: day(-1)}})
	result, err := svc.SyncTransactionsForAccount(ctx, params)
	require.NoError(t, err)
	assert.Zero(t, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, storedTransactions(t, db, accountID), 1)
}

func TestSyncTransactionsForAccount_AutoLinksPayout(t *testing.T) {
	const ibanX = "DE89370400440532013000"
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	wallet := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Name: "Wallet", Type: "lunchflow", Currency: "EUR", ExternalID: "acc-a", ConnectionID: connID,
	})
	bank := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Name: "Bank", Type: "lunchflow", Currency: "EUR", ExternalID: "acc-b", ConnectionID: connID,
		ExternalData: `{"iban":"` + ibanX + `"}`,
	})
	provider.setAccounts(
		ProviderAccount{ExternalID: "acc-a", Currency: "EUR"},
		ProviderAccount{ExternalID: "acc-b", Currency: "EUR", IBAN: ibanX},
	)
	provider.set("acc-a",
		ProviderTransaction{
			ExternalID: "p1", Amount: 1000, Currency: "EUR", Dates: TransactionDates{TransactionDate: day(-3)},
			Metadata: TransactionMetadata{CounterpartyIBAN: ibanX, Kind: "PAYOUT", Direction: DirectionDebit},
		},
		ProviderTransaction{
			ExternalID: "p2", Amount: -300, Currency: "EUR", Dates: TransactionDates{TransactionDate: day(-3)},
			Metadata: TransactionMetadata{CounterpartyIBAN: "GB33BUKB20201555555555", Kind: "PAYOUT"},
		},
	)
	provider.set("acc-b",
		ProviderTransaction{ExternalID: "i1", Amount: 1000, Currency: "EUR", Dates: TransactionDates{TransactionDate: day(-2)}},
	)

	_, err := svc.SyncTransactionsForAccount(ctx, SyncParams{ConnectionID: connID, UserID: 1, AccountID: bank})
	require.NoError(t, err)
	result, err := svc.SyncTransactionsForAccount(ctx, SyncParams{ConnectionID: connID, UserID: 1, AccountID: wallet})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Linked)

	walletTxs := storedTransactions(t, db, wallet)
	bankTxs := storedTransactions(t, db, bank)
	require.Len(t, walletTxs, 2)
	require.Len(t, bankTxs, 1)

	var payout, unmatched storedTx
	for _, s := range walletTxs {
		if s.OriginalID.String == "p1" {
			payout = s
		} else {
			unmatched = s
		}
	}
	assert.Equal(t, "expense", payout.Type)
	assert.Equal(t, string(domain.TransferNatureCommon), payout.TransferNature)
	assert.Equal(t, string(domain.TransferNatureCommon), bankTxs[0].TransferNature)
	assert.Equal(t, payout.TransferID.String, bankTxs[0].TransferID.String)

	assert.Equal(t, "expense", unmatched.Type)
	assert.Equal(t, string(domain.TransferNatureNone), unmatched.TransferNature)
	assert.False(t, unmatched.TransferID.Valid)
}

func TestSyncTransactionsForAccount_AuthFailuresDeactivate(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	provider.accountsErr = apperrors.Provider(apperrors.ProviderAuth, "api key revoked", nil)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	accountID := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "lunchflow", Currency: "EUR", ExternalID: "acc-1", ConnectionID: connID,
	})

	_, err := svc.SyncAccount(ctx, 1, accountID)
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthFailure(err))

	conn, err := svc.connections.GetByID(ctx, db, connID)
	require.NoError(t, err)
	assert.True(t, conn.IsActive)
	assert.Equal(t, 1, conn.ConsecutiveAuthFailures)

	status, err := svc.GetStatus(ctx, 1, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Contains(t, *status.Error, "api key revoked")

	_, err = svc.SyncAccount(ctx, 1, accountID)
	require.Error(t, err)

	conn, err = svc.connections.GetByID(ctx, db, connID)
	require.NoError(t, err)
	assert.False(t, conn.IsActive)
	require.NotNil(t, conn.DeactivationReason)

	_, err = svc.SyncAccount(ctx, 1, accountID)
	assert.True(t, apperrors.IsNotAllowed(err))

	require.NoError(t, svc.Reauthorize(ctx, 1, connID, []byte(`{"api_key":"fresh"}`)))
	conn, err = svc.connections.GetByID(ctx, db, connID)
	require.NoError(t, err)
	assert.True(t, conn.IsActive)
	assert.Zero(t, conn.ConsecutiveAuthFailures)
}

func TestSyncTransactionsForAccount_GenericFailureIsRetried(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	provider.txErr["acc-1"] = apperrors.Provider(apperrors.ProviderGeneric, "bad gateway", nil)
	db, svc := newSyncFixture(t, provider)

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	accountID := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "lunchflow", Currency: "EUR", ExternalID: "acc-1", ConnectionID: connID,
	})
	provider.setAccounts(ProviderAccount{ExternalID: "acc-1", Currency: "EUR"})

	_, err := svc.SyncAccount(context.Background(), 1, accountID)
	require.Error(t, err)
	assert.Equal(t, 2, provider.fetches)

	conn, err := svc.connections.GetByID(context.Background(), db, connID)
	require.NoError(t, err)
	assert.True(t, conn.IsActive)
	assert.Zero(t, conn.ConsecutiveAuthFailures)
}

func TestSyncTransactionsForAccount_Guards(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	otherConn := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	accountID := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "lunchflow", Currency: "EUR", ExternalID: "acc-1", ConnectionID: connID,
	})

	t.Run("unknown connection", func(t *testing.T) {
		_, err := svc.SyncTransactionsForAccount(ctx, SyncParams{ConnectionID: 999, UserID: 1, AccountID: accountID})
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("other user's connection", func(t *testing.T) {
		_, err := svc.SyncTransactionsForAccount(ctx, SyncParams{ConnectionID: connID, UserID: 2, AccountID: accountID})
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("account of another connection", func(t *testing.T) {
		_, err := svc.SyncTransactionsForAccount(ctx, SyncParams{ConnectionID: otherConn, UserID: 1, AccountID: accountID})
		assert.True(t, apperrors.IsNotAllowed(err))
	})

	t.Run("already syncing", func(t *testing.T) {
		_, err := svc.statuses.Transition(ctx, db, accountID, 1, domain.SyncStatusSyncing, "")
		require.NoError(t, err)

		_, err = svc.SyncAccount(ctx, 1, accountID)
		assert.True(t, apperrors.IsNotAllowed(err))
	})
}

func TestMigrateIdentity_Idempotent(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeEnableBanking, IDPerAccount)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	creds := `{"application_id":"app","session_id":"s1"}`
	connID := testingpkg.SeedConnection(t, db, 1, "enable_banking", creds)
	accountID := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "enable_banking", Currency: "EUR", ExternalID: "sess-1", ConnectionID: connID,
	})
	tx := ProviderTransaction{ExternalID: "x1", Amount: -900, Dates: TransactionDates{BookingDate: day(-4)}}
	provider.set("sess-1", tx)
	provider.set("sess-2", tx)
	params := SyncParams{ConnectionID: connID, UserID: 1, AccountID: accountID}

	provider.setAccounts(ProviderAccount{ExternalID: "sess-1", Currency: "EUR"})
	_, err := svc.SyncTransactionsForAccount(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, ScopedID("sess-1", "x1"), storedTransactions(t, db, accountID)[0].OriginalID.String)

	provider.setAccounts(ProviderAccount{ExternalID: "sess-1", StableID: "stable-1", Currency: "EUR"})
	result, err := svc.SyncTransactionsForAccount(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Imported)

	// Session rotated: matched through the stable id, nothing to rehash
	provider.setAccounts(ProviderAccount{ExternalID: "sess-2", StableID: "stable-1", Currency: "EUR"})
	result, err = svc.SyncTransactionsForAccount(ctx, params)
	require.NoError(t, err)
	assert.Zero(t, result.Migrated)
	assert.Equal(t, 1, result.Skipped)

	stored := storedTransactions(t, db, accountID)
	require.Len(t, stored, 1)
	assert.Equal(t, ScopedID("stable-1", "x1"), stored[0].OriginalID.String)

	account, err := svc.accounts.GetByID(ctx, db, accountID)
	require.NoError(t, err)
	require.NotNil(t, account.ExternalID)
	assert.Equal(t, "sess-2", *account.ExternalID)
	assert.Equal(t, "stable-1", account.ExternalData.String(domain.ExternalKeyStableAccountID))
}

func TestUnlinkRelink_RestoresOriginalIDs(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	monoConn := testingpkg.SeedConnection(t, db, 1, "monobank", `{"token":"t"}`)
	accountID := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "lunchflow", Currency: "EUR", ExternalID: "acc-1", ConnectionID: connID,
	})
	provider.setAccounts(ProviderAccount{ExternalID: "acc-1", Currency: "EUR"})
	provider.set("acc-1", ProviderTransaction{ExternalID: "t1", Amount: -40, Dates: TransactionDates{TransactionDate: day(-1)}})

	_, err := svc.SyncAccount(ctx, 1, accountID)
	require.NoError(t, err)

	archived, err := svc.UnlinkAccount(ctx, 1, accountID)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	stored := storedTransactions(t, db, accountID)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].OriginalID.Valid)
	assert.Equal(t, "system", stored[0].AccountType)

	account, err := svc.accounts.GetByID(ctx, db, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountTypeSystem, account.Type)
	assert.Nil(t, account.ConnectionID)

	_, err = svc.UnlinkAccount(ctx, 1, accountID)
	assert.True(t, apperrors.IsValidation(err))

	err = svc.RelinkAccount(ctx, 1, accountID, monoConn)
	assert.True(t, apperrors.IsValidation(err))

	require.NoError(t, svc.RelinkAccount(ctx, 1, accountID, connID))
	result, err := svc.SyncAccount(ctx, 1, accountID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Restored)
	assert.Zero(t, result.Imported)

	stored = storedTransactions(t, db, accountID)
	require.Len(t, stored, 1)
	assert.Equal(t, "t1", stored[0].OriginalID.String)
	assert.Equal(t, "lunchflow", stored[0].AccountType)

	current, _, _, _ := testingpkg.AccountBalances(t, db, accountID)
	assert.Equal(t, int64(-40), current)
}

func TestSyncConnection_IsolatesAccounts(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	good := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "lunchflow", Currency: "EUR", ExternalID: "good", ConnectionID: connID,
	})
	bad := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "lunchflow", Currency: "EUR", ExternalID: "bad", ConnectionID: connID,
	})
	provider.setAccounts(
		ProviderAccount{ExternalID: "good", Currency: "EUR"},
		ProviderAccount{ExternalID: "bad", Currency: "EUR"},
	)
	provider.set("good", ProviderTransaction{ExternalID: "g1", Amount: 10, Dates: TransactionDates{TransactionDate: day(-1)}})
	provider.txErr["bad"] = apperrors.Provider(apperrors.ProviderGeneric, "upstream unavailable", nil)

	outcomes, err := svc.SyncConnection(ctx, 1, connID)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byAccount := map[int64]AccountOutcome{}
	for _, o := range outcomes {
		byAccount[o.AccountID] = o
	}
	require.NotNil(t, byAccount[good].Result)
	assert.Equal(t, 1, byAccount[good].Result.Imported)
	assert.Empty(t, byAccount[good].Error)
	assert.Contains(t, byAccount[bad].Error, "upstream unavailable")

	summary, err := svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Counts[domain.SyncStatusCompleted])
	assert.Equal(t, 1, summary.Counts[domain.SyncStatusFailed])
	assert.False(t, summary.InProgress)

	err = svc.SyncConnectionByID(ctx, connID)
	require.Error(t, err)
	var provErr *apperrors.Error
	assert.True(t, errors.As(err, &provErr))

	ids, err := svc.ActiveConnectionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{connID}, ids)
}

func TestQueueAccounts(t *testing.T) {
	db, svc := newSyncFixture(t)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	idle := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{UserID: 1, Type: "lunchflow", Currency: "EUR", ConnectionID: connID})
	busy := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{UserID: 1, Type: "lunchflow", Currency: "EUR", ConnectionID: connID})
	_, err := svc.statuses.Transition(ctx, db, busy, 1, domain.SyncStatusSyncing, "")
	require.NoError(t, err)

	statuses, err := svc.QueueAccounts(ctx, 1, []int64{idle, busy})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, domain.SyncStatusQueued, statuses[0].Status)
	assert.Equal(t, domain.SyncStatusSyncing, statuses[1].Status)

	_, err = svc.QueueAccounts(ctx, 2, []int64{idle})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestImportAccounts(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	provider.setAccounts(
		ProviderAccount{ExternalID: "a", StableID: "stable-a", Name: "Checking", Currency: "EUR", IBAN: "DE02120300000000202051", Balance: 5000},
		ProviderAccount{ExternalID: "b", Name: "Savings", Currency: "EUR", Balance: 100},
	)

	created, err := svc.ImportAccounts(ctx, 1, connID)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, domain.AccountTypeLunchFlow, created[0].Type)
	assert.Equal(t, int64(5000), created[0].CurrentBalance)
	assert.Equal(t, int64(5000), created[0].RefCurrentBalance)
	assert.Equal(t, "stable-a", created[0].ExternalData.String(domain.ExternalKeyStableAccountID))
	assert.Equal(t, "DE02120300000000202051", created[0].ExternalData.String(domain.ExternalKeyIBAN))

	again, err := svc.ImportAccounts(ctx, 1, connID)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 2, testingpkg.CountRows(t, db, "accounts", "bank_data_provider_connection_id = ?", connID))
}

func TestCreateConnection_ValidatesCredentials(t *testing.T) {
	_, svc := newSyncFixture(t)
	ctx := context.Background()

	_, err := svc.CreateConnection(ctx, CreateConnectionParams{UserID: 1, ProviderType: domain.AccountTypeMonobank, Credentials: []byte(`{}`)})
	assert.True(t, apperrors.IsValidation(err))

	conn, err := svc.CreateConnection(ctx, CreateConnectionParams{UserID: 1, ProviderType: domain.AccountTypeMonobank, Credentials: []byte(`{"token":"abc"}`)})
	require.NoError(t, err)
	assert.NotZero(t, conn.ID)
	assert.Equal(t, "monobank", conn.ProviderName)
	assert.True(t, conn.IsActive)
}

func TestImportAccounts_OpensBeforeLookback(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	provider.setAccounts(ProviderAccount{ExternalID: "a", Name: "Checking", Currency: "EUR", Balance: 1000})
	provider.set("a",
		ProviderTransaction{ExternalID: "in", Amount: 400, Dates: TransactionDates{TransactionDate: day(-5)}},
		ProviderTransaction{ExternalID: "out", Amount: -150, Dates: TransactionDates{TransactionDate: day(-4)}},
	)

	created, err := svc.ImportAccounts(ctx, 1, connID)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, int64(750), created[0].InitialBalance)

	_, err = svc.SyncAccount(ctx, 1, created[0].ID)
	require.NoError(t, err)
	current, initial, _, _ := testingpkg.AccountBalances(t, db, created[0].ID)
	assert.Equal(t, int64(1000), current)
	assert.Equal(t, int64(750), initial)
}

func TestSyncTransactionsForAccount_AutoLinkWindow(t *testing.T) {
	const ibanX = "DE89370400440532013000"
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	wallet := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Name: "Wallet", Type: "lunchflow", Currency: "EUR", ExternalID: "acc-a", ConnectionID: connID,
	})
	bank := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Name: "Bank", Type: "lunchflow", Currency: "EUR", ExternalID: "acc-b", ConnectionID: connID,
		ExternalData: `{"iban":"` + ibanX + `"}`,
	})
	provider.setAccounts(
		ProviderAccount{ExternalID: "acc-a", Currency: "EUR"},
		ProviderAccount{ExternalID: "acc-b", Currency: "EUR", IBAN: ibanX},
	)
	provider.set("acc-a", ProviderTransaction{
		ExternalID: "p1", Amount: 1000, Currency: "EUR", Dates: TransactionDates{TransactionDate: day(-3)},
		Metadata: TransactionMetadata{CounterpartyIBAN: ibanX, Kind: "PAYOUT", Direction: DirectionDebit},
	})
	// Four days before the payout, outside the three day window
	provider.set("acc-b",
		ProviderTransaction{ExternalID: "i1", Amount: 1000, Currency: "EUR", Dates: TransactionDates{TransactionDate: day(-7)}},
	)

	_, err := svc.SyncTransactionsForAccount(ctx, SyncParams{ConnectionID: connID, UserID: 1, AccountID: bank})
	require.NoError(t, err)
	result, err := svc.SyncTransactionsForAccount(ctx, SyncParams{ConnectionID: connID, UserID: 1, AccountID: wallet})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	assert.Zero(t, result.Linked)

	walletTxs := storedTransactions(t, db, wallet)
	bankTxs := storedTransactions(t, db, bank)
	require.Len(t, walletTxs, 1)
	require.Len(t, bankTxs, 1)
	assert.Equal(t, string(domain.TransferNatureNone), walletTxs[0].TransferNature)
	assert.Equal(t, string(domain.TransferNatureNone), bankTxs[0].TransferNature)
	assert.False(t, walletTxs[0].TransferID.Valid)
}

func TestFetchWindow_IgnoresManualAndFutureRows(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	accountID := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{UserID: 1, Type: "lunchflow", Currency: "EUR"})

	_, err := svc.ledger.CreateTransaction(ctx, ledger.CreateParams{
		UserID: 1, AccountID: accountID, Amount: 300, TransactionType: domain.TransactionTypeExpense,
		Time: now.AddDate(0, 0, 10),
	})
	require.NoError(t, err)

	window, err := svc.fetchWindow(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-svc.cfg.DefaultLookback), window.From, "manual rows do not move the window")
	assert.Equal(t, now, window.To)

	future := "future-import"
	_, err = svc.ledger.CreateTransaction(ctx, ledger.CreateParams{
		UserID: 1, AccountID: accountID, Amount: 300, TransactionType: domain.TransactionTypeExpense,
		Time: now.AddDate(0, 0, 5), OriginalID: &future, AccountType: domain.AccountTypeLunchFlow,
	})
	require.NoError(t, err)

	window, err = svc.fetchWindow(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, window.From.After(window.To))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), window.From)
}

func TestSyncTransactionsForAccount_SkipsForeignCurrencyRows(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	accountID := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "lunchflow", Currency: "EUR", ExternalID: "acc-1", ConnectionID: connID,
	})
	provider.setAccounts(ProviderAccount{ExternalID: "acc-1", Currency: "EUR"})
	provider.set("acc-1",
		ProviderTransaction{ExternalID: "t1", Amount: -500, Currency: "EUR", Dates: TransactionDates{TransactionDate: day(-2)}},
		ProviderTransaction{ExternalID: "t2", Amount: -900, Currency: "USD", Dates: TransactionDates{TransactionDate: day(-2)}},
		ProviderTransaction{ExternalID: "t3", Amount: -100, Dates: TransactionDates{TransactionDate: day(-1)}},
	)

	result, err := svc.SyncTransactionsForAccount(ctx, SyncParams{ConnectionID: connID, UserID: 1, AccountID: accountID})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Skipped)

	stored := storedTransactions(t, db, accountID)
	require.Len(t, stored, 2)
	for _, s := range stored {
		assert.NotEqual(t, "t2", s.OriginalID.String)
	}
}

func TestSyncTransactionsForAccount_ConcurrentCallsClaimOnce(t *testing.T) {
	provider := newFakeProvider(domain.AccountTypeLunchFlow, IDGlobal)
	db, svc := newSyncFixture(t, provider)
	ctx := context.Background()

	connID := testingpkg.SeedConnection(t, db, 1, "lunchflow", lunchflowCreds)
	accountID := testingpkg.SeedAccount(t, db, testingpkg.AccountFixture{
		UserID: 1, Type: "lunchflow", Currency: "EUR", ExternalID: "acc-1", ConnectionID: connID,
	})
	provider.setAccounts(ProviderAccount{ExternalID: "acc-1", Currency: "EUR"})
	provider.set("acc-1",
		ProviderTransaction{ExternalID: "t1", Amount: -500, Currency: "EUR", Dates: TransactionDates{TransactionDate: day(-2)}},
	)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SyncTransactionsForAccount(ctx, SyncParams{ConnectionID: connID, UserID: 1, AccountID: accountID})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, apperrors.IsNotAllowed(err), "unexpected error: %v", err)
	}
	assert.GreaterOrEqual(t, succeeded, 1)

	st, err := svc.statuses.Get(ctx, db, accountID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusCompleted, st.Status)
	assert.Len(t, storedTransactions(t, db, accountID), 1)
}
