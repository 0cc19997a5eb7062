// Package banksync reconciles transactions pulled from bank data providers
// with the local ledger: dedup, identity migration, transfer auto-linking and
// per-account sync status.
package banksync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/domain"
)

// Connection is a provider connection with its credentials decoded
type Connection struct {
	Credentials Credentials
	ID          int64
	UserID      int64
}

// DateRange bounds a transaction fetch, both ends inclusive
type DateRange struct {
	From time.Time
	To   time.Time
}

// ProviderAccount is an account as the provider reports it
type ProviderAccount struct {
	// ExternalID may be session scoped; StableID, when set, survives
	// reauthorization.
	ExternalID string
	StableID   string
	Name       string
	Currency   string
	IBAN       string
	Balance    int64
}

// TransactionDates are the candidate dates a provider may expose
type TransactionDates struct {
	TransactionDate *time.Time
	BookingDate     *time.Time
	ValueDate       *time.Time
}

// ProviderTransaction is a transaction as the provider reports it. Amount is
// signed: negative means money left the account.
type ProviderTransaction struct {
	Dates       TransactionDates
	ExternalID  string
	Currency    string
	Description string
	Metadata    TransactionMetadata
	Amount      int64
}

// ProviderBalance is the provider's view of an account balance
type ProviderBalance struct {
	AsOf     time.Time
	Currency string
	Amount   int64
}

// IDScheme says how unique a provider's transaction ids are
type IDScheme int

const (
	// IDGlobal ids are unique across all accounts of the provider
	IDGlobal IDScheme = iota
	// IDPerAccount ids only identify a transaction within one account
	IDPerAccount
)

// ProviderClient is the boundary to one bank data provider. Implementations
// return apperrors.Provider errors so failures can be classified.
type ProviderClient interface {
	Type() domain.AccountType
	IDScheme() IDScheme
	FetchAccounts(ctx context.Context, conn *Connection) ([]ProviderAccount, error)
	FetchTransactions(ctx context.Context, conn *Connection, externalAccountID string, r DateRange) ([]ProviderTransaction, error)
	FetchBalance(ctx context.Context, conn *Connection, externalAccountID string) (*ProviderBalance, error)
}

// Registry maps provider types to their clients. It is built once at
// startup and handed to the sync service.
type Registry struct {
	clients map[domain.AccountType]ProviderClient
	mu      sync.RWMutex
}

// NewRegistry creates a registry holding the given clients
func NewRegistry(clients ...ProviderClient) *Registry {
	r := &Registry{clients: make(map[domain.AccountType]ProviderClient)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the client for its provider type
func (r *Registry) Register(c ProviderClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c.Type()] = c
}

// Get returns the client for a provider type
func (r *Registry) Get(t domain.AccountType) (ProviderClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[t]
	if !ok {
		return nil, apperrors.NotFound("no client registered for provider %q", t)
	}
	return c, nil
}

// Types returns the registered provider types, sorted
func (r *Registry) Types() []domain.AccountType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AccountType, 0, len(r.clients))
	for t := range r.clients {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
