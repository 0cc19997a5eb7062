// Package domain provides the ledger's core entities and enums.
package domain

import (
	"time"
)

// TransactionType is the direction of a transaction. Amounts are never
// negative; direction lives here only.
type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "income"
	TransactionTypeExpense TransactionType = "expense"
)

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	return t == TransactionTypeIncome || t == TransactionTypeExpense
}

// Opposite returns the other direction
func (t TransactionType) Opposite() TransactionType {
	if t == TransactionTypeIncome {
		return TransactionTypeExpense
	}
	return TransactionTypeIncome
}

// Sign is +1 for income and -1 for expense
func (t TransactionType) Sign() int64 {
	if t == TransactionTypeIncome {
		return 1
	}
	return -1
}

// TransferNature tells whether a transaction is one leg of a transfer
type TransferNature string

const (
	TransferNatureNone   TransferNature = "not_transfer"
	TransferNatureCommon TransferNature = "common_transfer"
	// TransferNatureWallet is a single leg crossing the boundary to an untracked wallet
	TransferNatureWallet TransferNature = "transfer_out_wallet"
)

// Valid reports whether n is a known transfer nature
func (n TransferNature) Valid() bool {
	switch n {
	case TransferNatureNone, TransferNatureCommon, TransferNatureWallet:
		return true
	}
	return false
}

// IsTransfer reports whether n is any kind of transfer
func (n TransferNature) IsTransfer() bool {
	return n == TransferNatureCommon || n == TransferNatureWallet
}

// AccountType is the provenance of an account and of the transactions on it
type AccountType string

const (
	AccountTypeSystem        AccountType = "system"
	AccountTypeMonobank      AccountType = "monobank"
	AccountTypeEnableBanking AccountType = "enable_banking"
	AccountTypeLunchFlow     AccountType = "lunchflow"
	AccountTypeWalutomat     AccountType = "walutomat"
)

// IsSystem reports whether the account is maintained by hand
func (a AccountType) IsSystem() bool {
	return a == "" || a == AccountTypeSystem
}

// Valid reports whether a is a known account type
func (a AccountType) Valid() bool {
	switch a {
	case AccountTypeSystem, AccountTypeMonobank, AccountTypeEnableBanking, AccountTypeLunchFlow, AccountTypeWalutomat:
		return true
	}
	return false
}

// PaymentType is how the money moved
type PaymentType string

const (
	PaymentTypeDebitCard    PaymentType = "debit_card"
	PaymentTypeCreditCard   PaymentType = "credit_card"
	PaymentTypeCash         PaymentType = "cash"
	PaymentTypeBankTransfer PaymentType = "bank_transfer"
	PaymentTypeVoucher      PaymentType = "voucher"
	PaymentTypeMobile       PaymentType = "mobile_payment"
	PaymentTypeWebPayment   PaymentType = "web_payment"
)

// Transaction is one monetary movement on one account
type Transaction struct {
	Time              time.Time       `json:"time"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	TransferID        *string         `json:"transfer_id,omitempty"`
	OriginalID        *string         `json:"original_id,omitempty"`
	CategoryID        *int64          `json:"category_id,omitempty"`
	ExternalData      ExternalData    `json:"external_data,omitempty"`
	CurrencyCode      string          `json:"currency_code"`
	RefCurrencyCode   string          `json:"ref_currency_code"`
	TransactionType   TransactionType `json:"transaction_type"`
	TransferNature    TransferNature  `json:"transfer_nature"`
	AccountType       AccountType     `json:"account_type"`
	PaymentType       PaymentType     `json:"payment_type"`
	Note              string          `json:"note"`
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	AccountID         int64           `json:"account_id"`
	Amount            int64           `json:"amount"`
	RefAmount         int64           `json:"ref_amount"`
	CommissionRate    int64           `json:"commission_rate"`
	RefCommissionRate int64           `json:"ref_commission_rate"`
	CashbackAmount    int64           `json:"cashback_amount"`
	RefundLinked      bool            `json:"refund_linked"`
}

// SignedAmount returns the amount with the direction applied
func (t *Transaction) SignedAmount() int64 {
	return t.TransactionType.Sign() * t.Amount
}

// SignedRefAmount returns the reference amount with the direction applied
func (t *Transaction) SignedRefAmount() int64 {
	return t.TransactionType.Sign() * t.RefAmount
}

// IsExternal reports whether the transaction was imported from a bank provider
func (t *Transaction) IsExternal() bool {
	return !t.AccountType.IsSystem()
}

// TransactionSplit allocates part of a transaction to another category
type TransactionSplit struct {
	ID            string `json:"id"`
	Note          string `json:"note"`
	TransactionID int64  `json:"transaction_id"`
	UserID        int64  `json:"user_id"`
	CategoryID    int64  `json:"category_id"`
	Amount        int64  `json:"amount"`
	RefAmount     int64  `json:"ref_amount"`
}

// RefundLink pairs a refund with the transaction (or split) it refunds.
// OriginalTxID is nil for a floating refund.
type RefundLink struct {
	CreatedAt    time.Time `json:"created_at"`
	OriginalTxID *int64    `json:"original_tx_id,omitempty"`
	SplitID      *string   `json:"split_id,omitempty"`
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	RefundTxID   int64     `json:"refund_tx_id"`
}

// Account is a balance-bearing entity
type Account struct {
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	ExternalID        *string      `json:"external_id,omitempty"`
	ConnectionID      *int64       `json:"bank_data_provider_connection_id,omitempty"`
	ExternalData      ExternalData `json:"external_data,omitempty"`
	Name              string       `json:"name"`
	Type              AccountType  `json:"type"`
	CurrencyCode      string       `json:"currency_code"`
	ID                int64        `json:"id"`
	UserID            int64        `json:"user_id"`
	CurrentBalance    int64        `json:"current_balance"`
	InitialBalance    int64        `json:"initial_balance"`
	RefCurrentBalance int64        `json:"ref_current_balance"`
	RefInitialBalance int64        `json:"ref_initial_balance"`
	IsEnabled         bool         `json:"is_enabled"`
}

// BalanceHistoryEntry is the end-of-day snapshot of one account
type BalanceHistoryEntry struct {
	Date       string `json:"date"` // YYYY-MM-DD
	AccountID  int64  `json:"account_id"`
	Balance    int64  `json:"balance"`
	RefBalance int64  `json:"ref_balance"`
}

// DateKey truncates a time to the day key used by balance history and rates
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
