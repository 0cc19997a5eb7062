package banksync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/rs/zerolog"
)

const connectionColumns = `id, user_id, provider_type, provider_name, is_active, credentials, metadata,
	consecutive_auth_failures, deactivation_reason, deactivated_at, last_sync_at, created_at, updated_at`

// ConnectionRepository handles provider connections in ledger.db
type ConnectionRepository struct {
	log zerolog.Logger
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(log zerolog.Logger) *ConnectionRepository {
	return &ConnectionRepository{log: log.With().Str("repo", "connections").Logger()}
}

// Create inserts an active connection and sets its ID
func (r *ConnectionRepository) Create(ctx context.Context, q database.Querier, c *domain.BankDataProviderConnection) error {
	now := time.Now().UTC().Truncate(time.Second)
	if len(c.Credentials) == 0 {
		c.Credentials = json.RawMessage("{}")
	}
	if len(c.Metadata) == 0 {
		c.Metadata = json.RawMessage("{}")
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO bank_data_provider_connections (user_id, provider_type, provider_name, is_active,
			credentials, metadata, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)`,
		c.UserID, string(c.ProviderType), c.ProviderName, string(c.Credentials), string(c.Metadata), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get connection id: %w", err)
	}
	c.ID = id
	c.IsActive = true
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// GetByID returns a connection, or nil if it does not exist
func (r *ConnectionRepository) GetByID(ctx context.Context, q database.Querier, id int64) (*domain.BankDataProviderConnection, error) {
	row := q.QueryRowContext(ctx, "SELECT "+connectionColumns+" FROM bank_data_provider_connections WHERE id = ?", id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection %d: %w", id, err)
	}
	return c, nil
}

// ListByUser returns all connections of a user
func (r *ConnectionRepository) ListByUser(ctx context.Context, q database.Querier, userID int64) ([]*domain.BankDataProviderConnection, error) {
	return r.list(ctx, q, "WHERE user_id = ? ORDER BY id", userID)
}

// ListActive returns every active connection
func (r *ConnectionRepository) ListActive(ctx context.Context, q database.Querier) ([]*domain.BankDataProviderConnection, error) {
	return r.list(ctx, q, "WHERE is_active = 1 ORDER BY id")
}

func (r *ConnectionRepository) list(ctx context.Context, q database.Querier, where string, args ...interface{}) ([]*domain.BankDataProviderConnection, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+connectionColumns+" FROM bank_data_provider_connections "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var out []*domain.BankDataProviderConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return out, nil
}

// UpdateCredentials stores new credentials
func (r *ConnectionRepository) UpdateCredentials(ctx context.Context, q database.Querier, id int64, credentials json.RawMessage) error {
	_, err := q.ExecContext(ctx,
		"UPDATE bank_data_provider_connections SET credentials = ?, updated_at = ? WHERE id = ?",
		string(credentials), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update credentials of connection %d: %w", id, err)
	}
	return nil
}

// RecordAuthFailure increments the consecutive auth failure counter and
// returns its new value.
func (r *ConnectionRepository) RecordAuthFailure(ctx context.Context, q database.Querier, id int64) (int, error) {
	var failures int
	err := q.QueryRowContext(ctx, `
		UPDATE bank_data_provider_connections
		SET consecutive_auth_failures = consecutive_auth_failures + 1, updated_at = ?
		WHERE id = ?
		RETURNING consecutive_auth_failures`,
		time.Now().Unix(), id,
	).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("failed to record auth failure on connection %d: %w", id, err)
	}
	return failures, nil
}

// RecordSuccess resets the failure counter and stamps the last sync time
func (r *ConnectionRepository) RecordSuccess(ctx context.Context, q database.Querier, id int64, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE bank_data_provider_connections
		SET consecutive_auth_failures = 0, last_sync_at = ?, updated_at = ?
		WHERE id = ?`,
		at.Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync success on connection %d: %w", id, err)
	}
	return nil
}

// Deactivate turns a connection off until it is reauthorized
func (r *ConnectionRepository) Deactivate(ctx context.Context, q database.Querier, id int64, reason string) error {
	now := time.Now().Unix()
	_, err := q.ExecContext(ctx, `
		UPDATE bank_data_provider_connections
		SET is_active = 0, deactivation_reason = ?, deactivated_at = ?, updated_at = ?
		WHERE id = ?`,
		reason, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate connection %d: %w", id, err)
	}
	r.log.Warn().Int64("connection_id", id).Str("reason", reason).Msg("Connection deactivated")
	return nil
}

// Reactivate turns a connection back on with fresh credentials
func (r *ConnectionRepository) Reactivate(ctx context.Context, q database.Querier, id int64, credentials json.RawMessage) error {
	_, err := q.ExecContext(ctx, `
		UPDATE bank_data_provider_connections
		SET is_active = 1, credentials = ?, consecutive_auth_failures = 0,
			deactivation_reason = NULL, deactivated_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(credentials), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to reactivate connection %d: %w", id, err)
	}
	return nil
}

func scanConnection(row interface{ Scan(...interface{}) error }) (*domain.BankDataProviderConnection, error) {
	var (
		c            domain.BankDataProviderConnection
		credentials  string
		metadata     string
		reason       sql.NullString
		deactivated  sql.NullInt64
		lastSync     sql.NullInt64
		createdAt    int64
		updatedAt    int64
		providerType string
	)
	err := row.Scan(
		&c.ID, &c.UserID, &providerType, &c.ProviderName, &c.IsActive, &credentials, &metadata,
		&c.ConsecutiveAuthFailures, &reason, &deactivated, &lastSync, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ProviderType = domain.AccountType(providerType)
	c.Credentials = json.RawMessage(credentials)
	c.Metadata = json.RawMessage(metadata)
	if reason.Valid {
		c.DeactivationReason = &reason.String
	}
	if deactivated.Valid {
		t := time.Unix(deactivated.Int64, 0).UTC()
		c.DeactivatedAt = &t
	}
	if lastSync.Valid {
		t := time.Unix(lastSync.Int64, 0).UTC()
		c.LastSyncAt = &t
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}
