package banksync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/rs/zerolog"
)

const statusColumns = `account_id, user_id, status, started_at, completed_at, error, updated_at`

// StatusRepository persists per-account sync status. Reads report a
// queued or syncing status older than the stale timeout as idle.
type StatusRepository struct {
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewStatusRepository creates a new status repository
func NewStatusRepository(staleAfter time.Duration, log zerolog.Logger) *StatusRepository {
	return &StatusRepository{
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log.With().Str("repo", "sync_status").Logger(),
	}
}

// allowed lists the transitions of the sync state machine
var allowed = map[domain.SyncStatus][]domain.SyncStatus{
	domain.SyncStatusIdle:      {domain.SyncStatusQueued, domain.SyncStatusSyncing},
	domain.SyncStatusQueued:    {domain.SyncStatusSyncing, domain.SyncStatusIdle},
	domain.SyncStatusSyncing:   {domain.SyncStatusCompleted, domain.SyncStatusFailed, domain.SyncStatusIdle},
	domain.SyncStatusCompleted: {domain.SyncStatusQueued, domain.SyncStatusSyncing},
	domain.SyncStatusFailed:    {domain.SyncStatusQueued, domain.SyncStatusSyncing},
}

// CanTransition reports whether the state machine allows from → to
func CanTransition(from, to domain.SyncStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Get returns the status of an account. Accounts never synced are idle.
func (r *StatusRepository) Get(ctx context.Context, q database.Querier, accountID, userID int64) (*domain.AccountSyncStatus, error) {
	row := q.QueryRowContext(ctx, "SELECT "+statusColumns+" FROM account_sync_status WHERE account_id = ?", accountID)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.AccountSyncStatus{AccountID: accountID, UserID: userID, Status: domain.SyncStatusIdle, UpdatedAt: r.now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status of account %d: %w", accountID, err)
	}
	return r.fresh(st), nil
}

// ListByUser returns the stored statuses of a user's accounts
func (r *StatusRepository) ListByUser(ctx context.Context, q database.Querier, userID int64) ([]*domain.AccountSyncStatus, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+statusColumns+" FROM account_sync_status WHERE user_id = ? ORDER BY account_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync statuses: %w", err)
	}
	defer rows.Close()

	var out []*domain.AccountSyncStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync status: %w", err)
		}
		out = append(out, r.fresh(st))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync statuses: %w", err)
	}
	return out, nil
}

// fresh reports an abandoned in-progress status as idle
func (r *StatusRepository) fresh(st *domain.AccountSyncStatus) *domain.AccountSyncStatus {
	if r.isStale(st) {
		st.Status = domain.SyncStatusIdle
	}
	return st
}

func (r *StatusRepository) isStale(st *domain.AccountSyncStatus) bool {
	return st.Status.InProgress() && r.staleAfter > 0 && r.now().Sub(st.UpdatedAt) > r.staleAfter
}

// Transition moves an account to a new status. Transitions the state machine
// does not allow are rejected; errMsg is kept only for failed.
func (r *StatusRepository) Transition(ctx context.Context, q database.Querier, accountID, userID int64, to domain.SyncStatus, errMsg string) (*domain.AccountSyncStatus, error) {
	current, err := r.Get(ctx, q, accountID, userID)
	if err != nil {
		return nil, err
	}
	if current.Status == to && to == domain.SyncStatusQueued {
		return current, nil
	}
	if !CanTransition(current.Status, to) {
		return nil, fmt.Errorf("sync status of account %d cannot go from %s to %s", accountID, current.Status, to)
	}

	now := r.now().UTC().Truncate(time.Second)
	next := &domain.AccountSyncStatus{
		AccountID: accountID,
		UserID:    userID,
		Status:    to,
		StartedAt: current.StartedAt,
		UpdatedAt: now,
	}
	switch to {
	case domain.SyncStatusSyncing:
		next.StartedAt = &now
	case domain.SyncStatusQueued, domain.SyncStatusIdle:
		next.CompletedAt = current.CompletedAt
	case domain.SyncStatusCompleted:
		next.CompletedAt = &now
	case domain.SyncStatusFailed:
		next.CompletedAt = &now
		next.Error = &errMsg
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO account_sync_status (account_id, user_id, status, started_at, completed_at, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			status = excluded.status, started_at = excluded.started_at, completed_at = excluded.completed_at,
			error = excluded.error, updated_at = excluded.updated_at`,
		accountID, userID, string(to), unixOrNil(next.StartedAt), unixOrNil(next.CompletedAt), next.Error, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store sync status of account %d: %w", accountID, err)
	}
	return next, nil
}

// Claim moves an account to syncing in a single conditional write. It
// reports false when another sync holds a live syncing status.
func (r *StatusRepository) Claim(ctx context.Context, q database.Querier, accountID, userID int64) (bool, error) {
	now := r.now().UTC().Truncate(time.Second)
	var staleBefore int64
	if r.staleAfter > 0 {
		staleBefore = now.Add(-r.staleAfter).Unix()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO account_sync_status (account_id, user_id, status, started_at, completed_at, error, updated_at)
		VALUES (?, ?, ?, ?, NULL, NULL, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			status = excluded.status, started_at = excluded.started_at, completed_at = NULL,
			error = NULL, updated_at = excluded.updated_at
		WHERE account_sync_status.status <> ? OR account_sync_status.updated_at < ?`,
		accountID, userID, string(domain.SyncStatusSyncing), now.Unix(), now.Unix(),
		string(domain.SyncStatusSyncing), staleBefore,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim sync of account %d: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ResetStale persists idle for every in-progress status older than the
// stale timeout and returns how many rows changed.
func (r *StatusRepository) ResetStale(ctx context.Context, q database.Querier) (int64, error) {
	if r.staleAfter <= 0 {
		return 0, nil
	}
	now := r.now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE account_sync_status SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(domain.SyncStatusIdle), now.Unix(),
		string(domain.SyncStatusQueued), string(domain.SyncStatusSyncing), now.Add(-r.staleAfter).Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale sync statuses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		r.log.Info().Int64("count", n).Msg("Reset stale sync statuses")
	}
	return n, nil
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func scanStatus(row interface{ Scan(...interface{}) error }) (*domain.AccountSyncStatus, error) {
	var (
		st        domain.AccountSyncStatus
		status    string
		started   sql.NullInt64
		completed sql.NullInt64
		errMsg    sql.NullString
		updatedAt int64
	)
	if err := row.Scan(&st.AccountID, &st.UserID, &status, &started, &completed, &errMsg, &updatedAt); err != nil {
		return nil, err
	}
	st.Status = domain.SyncStatus(status)
	if started.Valid {
		t := time.Unix(started.Int64, 0).UTC()
		st.StartedAt = &t
	}
	if completed.Valid {
		t := time.Unix(completed.Int64, 0).UTC()
		st.CompletedAt = &t
	}
	if errMsg.Valid {
		st.Error = &errMsg.String
	}
	st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &st, nil
}
