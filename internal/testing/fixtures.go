package testing

import (
	"database/sql"
	"testing"
	"time"
)

// AccountFixture describes an account row to seed. Zero values get sensible
// defaults: type "system", name "Account".
type AccountFixture struct {
	UserID         int64
	Name           string
	Type           string
	Currency       string
	Balance        int64
	RefBalance     int64
	InitialBalance int64
	RefInitial     int64
	ExternalID     string
	ConnectionID   int64
	ExternalData   string
}

// SeedUserCurrency registers a currency for a user, optionally as the default
// (reference) currency.
func SeedUserCurrency(t *testing.T, db *sql.DB, userID int64, code string, isDefault bool) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO user_currencies (user_id, currency_code, is_default_currency) VALUES (?, ?, ?)`,
		userID, code, boolToInt(isDefault),
	)
	if err != nil {
		t.Fatalf("Failed to seed user currency: %v", err)
	}
}

// SeedAccount inserts an account and returns its id
func SeedAccount(t *testing.T, db *sql.DB, f AccountFixture) int64 {
	t.Helper()
	if f.Type == "" {
		f.Type = "system"
	}
	if f.Name == "" {
		f.Name = "Account"
	}
	if f.ExternalData == "" {
		f.ExternalData = "{}"
	}
	var connID interface{}
	if f.ConnectionID != 0 {
		connID = f.ConnectionID
	}
	var externalID interface{}
	if f.ExternalID != "" {
		externalID = f.ExternalID
	}
	now := time.Now().Unix()
	res, err := db.Exec(`
		INSERT INTO accounts (user_id, name, type, currency_code, current_balance, initial_balance,
			ref_current_balance, ref_initial_balance, external_id, bank_data_provider_connection_id,
			external_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, f.Name, f.Type, f.Currency, f.Balance, f.InitialBalance,
		f.RefBalance, f.RefInitial, externalID, connID, f.ExternalData, now, now,
	)
	if err != nil {
		t.Fatalf("Failed to seed account: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// SeedCategory inserts a category and returns its id
func SeedCategory(t *testing.T, db *sql.DB, userID int64, name string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO categories (user_id, name) VALUES (?, ?)`, userID, name)
	if err != nil {
		t.Fatalf("Failed to seed category: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// SeedTag inserts a tag and returns its id
func SeedTag(t *testing.T, db *sql.DB, userID int64, name string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO tags (user_id, name) VALUES (?, ?)`, userID, name)
	if err != nil {
		t.Fatalf("Failed to seed tag: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// SeedConnection inserts an active provider connection and returns its id
func SeedConnection(t *testing.T, db *sql.DB, userID int64, providerType, credentials string) int64 {
	t.Helper()
	if credentials == "" {
		credentials = "{}"
	}
	now := time.Now().Unix()
	res, err := db.Exec(`
		INSERT INTO bank_data_provider_connections (user_id, provider_type, provider_name, credentials, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, providerType, providerType, credentials, now, now,
	)
	if err != nil {
		t.Fatalf("Failed to seed connection: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// SeedRate stores a market exchange rate in the history database
func SeedRate(t *testing.T, db *sql.DB, base, quote, date, rate string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT OR REPLACE INTO exchange_rates (base_code, quote_code, date, rate, fetched_at) VALUES (?, ?, ?, ?, ?)`,
		base, quote, date, rate, time.Now().Unix(),
	)
	if err != nil {
		t.Fatalf("Failed to seed rate: %v", err)
	}
}

// AccountBalances reads the four balance columns of an account
func AccountBalances(t *testing.T, db *sql.DB, accountID int64) (current, initial, refCurrent, refInitial int64) {
	t.Helper()
	err := db.QueryRow(`
		SELECT current_balance, initial_balance, ref_current_balance, ref_initial_balance
		FROM accounts WHERE id = ?`, accountID,
	).Scan(&current, &initial, &refCurrent, &refInitial)
	if err != nil {
		t.Fatalf("Failed to read account balances: %v", err)
	}
	return
}

// CountRows returns the number of rows in a table matching an optional where clause
func CountRows(t *testing.T, db *sql.DB, table, where string, args ...interface{}) int {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("Failed to count rows in %s: %v", table, err)
	}
	return n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
