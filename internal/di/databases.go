package di

import (
	"fmt"

	"github.com/aristath/tally/internal/config"
	"github.com/aristath/tally/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the three databases and applies their schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// 1. ledger.db - accounts, transactions and sync state, real money
	ledgerDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath("ledger"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}
	container.LedgerDB = ledgerDB

	// 2. history.db - market exchange rates by day
	historyDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath("history"),
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	if err != nil {
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}
	container.HistoryDB = historyDB

	// 3. client_data.db - converted amounts and provider responses, safe to lose
	clientDataDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath("client_data"),
		Profile: database.ProfileCache,
		Name:    "client_data",
	})
	if err != nil {
		ledgerDB.Close()
		historyDB.Close()
		return nil, fmt.Errorf("failed to initialize client_data database: %w", err)
	}
	container.ClientDataDB = clientDataDB

	for _, db := range []*database.DB{ledgerDB, historyDB, clientDataDB} {
		if err := db.Migrate(); err != nil {
			container.closeDatabases()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("All databases initialized and schemas applied")

	return container, nil
}

// closeDatabases closes every open database, ignoring errors
func (c *Container) closeDatabases() {
	for _, db := range []*database.DB{c.LedgerDB, c.HistoryDB, c.ClientDataDB} {
		if db != nil {
			_ = db.Close()
		}
	}
}
