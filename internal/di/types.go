// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/aristath/tally/internal/clientdata"
	"github.com/aristath/tally/internal/clients/exchangerate"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/modules/accounts"
	"github.com/aristath/tally/internal/modules/banksync"
	"github.com/aristath/tally/internal/modules/currency"
	"github.com/aristath/tally/internal/modules/ledger"
	"github.com/aristath/tally/internal/reliability"
	"github.com/aristath/tally/internal/scheduler"
	"github.com/aristath/tally/internal/work"
)

// Container holds every long-lived dependency of the server
type Container struct {
	// Databases
	LedgerDB     *database.DB // accounts, transactions, connections, sync status
	HistoryDB    *database.DB // market exchange rates
	ClientDataDB *database.DB // advisory cache

	// Repositories
	ClientDataRepo     *clientdata.Repository
	RateRepo           *currency.RateRepository
	UserCurrencyRepo   *currency.UserCurrencyRepository
	AccountRepo        *accounts.Repository
	BalanceHistory     *accounts.HistoryRepository
	TransactionRepo    *ledger.TransactionRepository
	SplitRepo          *ledger.SplitRepository
	TagRepo            *ledger.TagRepository
	RefundRepo         *ledger.RefundRepository
	ConnectionRepo     *banksync.ConnectionRepository
	SyncStatusRepo     *banksync.StatusRepository
	ProviderRegistry   *banksync.Registry
	ExchangeRateClient *exchangerate.Client

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// Services
	CurrencyService    *currency.Service
	AccountService     *accounts.Service
	BalanceService     *accounts.BalanceService
	LedgerService      *ledger.Service
	SyncService        *banksync.Service
	SyncPool           *work.Pool
	BackupService      *reliability.BackupService // nil when backups are not configured
	MaintenanceService *reliability.MaintenanceService

	// Background work
	WorkRegistry   *work.Registry
	WorkCompletion *work.CompletionTracker
	WorkProcessor  *work.Processor
	Scheduler      *scheduler.Scheduler
}

// Databases returns the open databases by name
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		"ledger":      c.LedgerDB,
		"history":     c.HistoryDB,
		"client_data": c.ClientDataDB,
	}
}
