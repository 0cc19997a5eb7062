package work

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ConnectionSyncer syncs every account of a bank connection
type ConnectionSyncer interface {
	ActiveConnectionIDs(ctx context.Context) ([]int64, error)
	SyncConnectionByID(ctx context.Context, connectionID int64) error
}

// RateSyncer pulls the day's market exchange rates
type RateSyncer interface {
	SyncRates(ctx context.Context, date time.Time) error
}

// SyncDeps contains all dependencies for sync work types
type SyncDeps struct {
	Connections      ConnectionSyncer
	Rates            RateSyncer
	ConnectionsEvery time.Duration
	RatesEvery       time.Duration
	Log              zerolog.Logger
}

// RegisterSyncWorkTypes registers all sync work types with the registry
func RegisterSyncWorkTypes(registry *Registry, deps *SyncDeps) {
	connectionsEvery := deps.ConnectionsEvery
	if connectionsEvery <= 0 {
		connectionsEvery = 30 * time.Minute
	}
	ratesEvery := deps.RatesEvery
	if ratesEvery <= 0 {
		ratesEvery = 6 * time.Hour
	}

	// sync:connections - one item per active connection
	if deps.Connections != nil {
		registry.Register(&WorkType{
			ID:       "sync:connections",
			Priority: PriorityHigh,
			Interval: connectionsEvery,
			FindSubjects: func() []string {
				ids, err := deps.Connections.ActiveConnectionIDs(context.Background())
				if err != nil {
					deps.Log.Error().Err(err).Msg("Failed to list active connections")
					return nil
				}
				subjects := make([]string, 0, len(ids))
				for _, id := range ids {
					subjects = append(subjects, strconv.FormatInt(id, 10))
				}
				return subjects
			},
			Execute: func(ctx context.Context, subject string) error {
				id, err := strconv.ParseInt(subject, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid connection subject %q: %w", subject, err)
				}
				if err := deps.Connections.SyncConnectionByID(ctx, id); err != nil {
					return fmt.Errorf("failed to sync connection %d: %w", id, err)
				}
				return nil
			},
		})
	}

	// sync:rates - market exchange rates for today
	if deps.Rates != nil {
		registry.Register(&WorkType{
			ID:       "sync:rates",
			Priority: PriorityMedium,
			Interval: ratesEvery,
			FindSubjects: func() []string {
				return []string{""}
			},
			Execute: func(ctx context.Context, subject string) error {
				if err := deps.Rates.SyncRates(ctx, time.Now().UTC()); err != nil {
					return fmt.Errorf("failed to sync exchange rates: %w", err)
				}
				return nil
			},
		})
	}
}
