package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aristath/tally/internal/clients/exchangerate"
	"github.com/aristath/tally/internal/config"
	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/modules/accounts"
	"github.com/aristath/tally/internal/modules/banksync"
	"github.com/aristath/tally/internal/modules/currency"
	"github.com/aristath/tally/internal/modules/ledger"
	"github.com/aristath/tally/internal/reliability"
	"github.com/aristath/tally/internal/work"
	"github.com/rs/zerolog"
)

// InitializeServices creates all services in dependency order:
// events, currency, accounts, ledger, bank sync, reliability.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.EventBus = events.NewBus()
	container.EventManager = events.NewManager(container.EventBus, log)

	// Currency
	container.ExchangeRateClient = exchangerate.NewClient(cfg.Currency.ExchangeRateAPIURL, container.ClientDataRepo, log)
	container.CurrencyService = currency.NewService(
		container.RateRepo,
		container.UserCurrencyRepo,
		container.ExchangeRateClient,
		container.ClientDataRepo,
		currency.Config{
			PivotCurrency: cfg.Currency.PivotCurrency,
			CacheTTL:      cfg.Currency.ConversionCacheTTL,
		},
		log,
	)
	container.CurrencyService.SetEventManager(container.EventManager)

	// Accounts and balances
	ledgerConn := container.LedgerDB.Conn()
	container.AccountService = accounts.NewService(ledgerConn, container.AccountRepo, container.BalanceHistory, container.CurrencyService, log)
	container.BalanceService = accounts.NewBalanceService(ledgerConn, container.AccountRepo, container.BalanceHistory, container.CurrencyService, log)

	// Ledger
	container.LedgerService = ledger.NewService(
		ledgerConn,
		container.TransactionRepo,
		container.SplitRepo,
		container.TagRepo,
		container.RefundRepo,
		container.AccountRepo,
		container.BalanceService,
		container.CurrencyService,
		container.EventManager,
		log,
	)

	// Bank sync. Provider wire clients register themselves here.
	container.ProviderRegistry = banksync.NewRegistry()
	container.SyncPool = work.NewPool(cfg.Sync.MaxConcurrency, log)
	retry := work.DefaultRetryPolicy
	retry.MaxAttempts = cfg.Sync.ProviderMaxAttempts
	container.SyncService = banksync.NewService(
		ledgerConn,
		container.ProviderRegistry,
		container.ConnectionRepo,
		container.SyncStatusRepo,
		container.AccountRepo,
		container.TransactionRepo,
		container.LedgerService,
		container.CurrencyService,
		container.SyncPool,
		container.EventManager,
		banksync.Config{
			Retry:                retry,
			AuthFailureThreshold: cfg.Sync.AuthFailureThreshold,
			TransferMatchWindow:  cfg.Sync.TransferMatchWindow,
			DefaultLookback:      cfg.Sync.DefaultLookback,
			ProviderTimeout:      cfg.Sync.ProviderCallTimeout,
			ProviderMinInterval:  cfg.Sync.ProviderMinInterval,
		},
		log,
	)

	// Reliability
	container.MaintenanceService = reliability.NewMaintenanceService(container.Databases(), cfg.DataDir, log)
	if cfg.Backup.Enabled() {
		store, err := reliability.NewS3Client(ctx, cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to create backup storage client: %w", err)
		}
		container.BackupService = reliability.NewBackupService(
			container.LedgerDB,
			store,
			filepath.Join(cfg.DataDir, "backups", "staging"),
			cfg.Backup.Keep,
			container.EventManager,
			log,
		)
	} else {
		log.Info().Msg("Backup storage not configured, off-site backups disabled")
	}

	log.Info().Msg("Services initialized")
	return nil
}
