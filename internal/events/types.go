// Package events provides in-process event publication for ledger and sync changes.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	TransactionCreated EventType = "TRANSACTION_CREATED"
	TransactionUpdated EventType = "TRANSACTION_UPDATED"
	TransactionDeleted EventType = "TRANSACTION_DELETED"
	TransfersLinked    EventType = "TRANSFERS_LINKED"
	RefundLinked       EventType = "REFUND_LINKED"

	SyncStatusChanged     EventType = "SYNC_STATUS_CHANGED"
	ConnectionDeactivated EventType = "CONNECTION_DEACTIVATED"
	RatesSynced           EventType = "RATES_SYNCED"
	BackupCompleted       EventType = "BACKUP_COMPLETED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// Event is one published change
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Type      EventType              `json:"type"`
	Module    string                 `json:"module"`
}
