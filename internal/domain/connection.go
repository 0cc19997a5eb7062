package domain

import (
	"encoding/json"
	"time"
)

// BankDataProviderConnection holds the session with one external aggregator.
// Credentials stay raw here; they are decoded into a typed variant at the
// bank sync boundary.
type BankDataProviderConnection struct {
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
	DeactivatedAt           *time.Time      `json:"deactivated_at,omitempty"`
	LastSyncAt              *time.Time      `json:"last_sync_at,omitempty"`
	DeactivationReason      *string         `json:"deactivation_reason,omitempty"`
	ProviderType            AccountType     `json:"provider_type"`
	ProviderName            string          `json:"provider_name"`
	Credentials             json.RawMessage `json:"-"`
	Metadata                json.RawMessage `json:"metadata,omitempty"`
	ID                      int64           `json:"id"`
	UserID                  int64           `json:"user_id"`
	ConsecutiveAuthFailures int             `json:"consecutive_auth_failures"`
	IsActive                bool            `json:"is_active"`
}

// SyncStatus is the per-account bank sync state
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusQueued    SyncStatus = "queued"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// InProgress reports whether the status is queued or syncing
func (s SyncStatus) InProgress() bool {
	return s == SyncStatusQueued || s == SyncStatusSyncing
}

// AccountSyncStatus is the poll-able sync state of one account
type AccountSyncStatus struct {
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Status      SyncStatus `json:"status"`
	AccountID   int64      `json:"account_id"`
	UserID      int64      `json:"user_id"`
}
