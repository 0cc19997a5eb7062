package di

import (
	"github.com/aristath/tally/internal/clientdata"
	"github.com/aristath/tally/internal/config"
	"github.com/aristath/tally/internal/modules/accounts"
	"github.com/aristath/tally/internal/modules/banksync"
	"github.com/aristath/tally/internal/modules/currency"
	"github.com/aristath/tally/internal/modules/ledger"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates all repositories. Ledger repositories are
// connection-agnostic and take the handle per call, so the same instance
// serves plain reads and units of work.
func InitializeRepositories(container *Container, cfg *config.Config, log zerolog.Logger) {
	container.ClientDataRepo = clientdata.NewRepository(container.ClientDataDB.Conn())

	container.RateRepo = currency.NewRateRepository(container.HistoryDB.Conn(), log)
	container.UserCurrencyRepo = currency.NewUserCurrencyRepository(container.LedgerDB.Conn(), log)

	container.AccountRepo = accounts.NewRepository(log)
	container.BalanceHistory = accounts.NewHistoryRepository(log)

	container.TransactionRepo = ledger.NewTransactionRepository(log)
	container.SplitRepo = ledger.NewSplitRepository(log)
	container.TagRepo = ledger.NewTagRepository(log)
	container.RefundRepo = ledger.NewRefundRepository(log)

	container.ConnectionRepo = banksync.NewConnectionRepository(log)
	container.SyncStatusRepo = banksync.NewStatusRepository(cfg.Sync.StaleTimeout, log)

	log.Info().Msg("Repositories initialized")
}
