package banksync

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/tally/internal/domain"
)

// Date sources in priority order. The order is part of every stored content
// hash and must never change.
const (
	DateSourceTransaction = "transaction_date"
	DateSourceBooking     = "booking_date"
	DateSourceValue       = "value_date"
)

type datedCandidate struct {
	source string
	date   time.Time
}

// candidates returns the available dates, highest priority first
func (d TransactionDates) candidates() []datedCandidate {
	var out []datedCandidate
	for _, c := range []struct {
		source string
		date   *time.Time
	}{
		{DateSourceTransaction, d.TransactionDate},
		{DateSourceBooking, d.BookingDate},
		{DateSourceValue, d.ValueDate},
	} {
		if c.date != nil && !c.date.IsZero() {
			out = append(out, datedCandidate{source: c.source, date: c.date.UTC()})
		}
	}
	return out
}

// Primary returns the highest-priority available date and its source.
// ok is false when the provider gave no date at all.
func (d TransactionDates) Primary() (date time.Time, source string, ok bool) {
	c := d.candidates()
	if len(c) == 0 {
		return time.Time{}, "", false
	}
	return c[0].date, c[0].source, true
}

// AccountKey is the identifier per-account ids are scoped by. The stable id
// wins over a session-scoped external id.
func AccountKey(a ProviderAccount) string {
	if a.StableID != "" {
		return a.StableID
	}
	return a.ExternalID
}

// ScopedID hashes a per-account provider transaction id with its account key
// so two accounts can never produce the same original id.
func ScopedID(accountKey, providerTxID string) string {
	sum := sha256.Sum256([]byte(accountKey + ":" + providerTxID))
	return hex.EncodeToString(sum[:])
}

// contentHash identifies a transaction without a provider id. amount is
// negative for money leaving the account.
func contentHash(accountKey string, date time.Time, amount int64, description string) string {
	parts := []string{
		accountKey,
		date.UTC().Format("2006-01-02"),
		strconv.FormatInt(amount, 10),
		strings.TrimSpace(description),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// OriginalIDs returns the id a provider transaction is stored under followed
// by alternates it may already be stored under. Alternates exist only for
// content hashes: a transaction first seen with a lower-priority date keeps
// the hash it was stored with once a better date appears.
func OriginalIDs(scheme IDScheme, accountKey string, t ProviderTransaction) []string {
	if t.ExternalID != "" {
		if scheme == IDPerAccount {
			return []string{ScopedID(accountKey, t.ExternalID)}
		}
		return []string{t.ExternalID}
	}

	signed := t.Amount
	if signed < 0 {
		signed = -signed
	}
	if transactionType(t) == domain.TransactionTypeExpense {
		signed = -signed
	}

	var ids []string
	for _, c := range t.Dates.candidates() {
		ids = append(ids, contentHash(accountKey, c.date, signed, t.Description))
	}
	return ids
}
