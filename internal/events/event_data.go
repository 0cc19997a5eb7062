package events

// EventData is implemented by every typed event payload
type EventData interface {
	EventType() EventType
}

// TransactionChangeData describes a ledger mutation
type TransactionChangeData struct {
	Type           EventType `json:"-"`
	TransferID     string    `json:"transfer_id,omitempty"`
	TransactionIDs []int64   `json:"transaction_ids"`
	AccountIDs     []int64   `json:"account_ids"`
	UserID         int64     `json:"user_id"`
}

// EventType returns the event type for TransactionChangeData
func (d *TransactionChangeData) EventType() EventType {
	return d.Type
}

// RefundLinkedData contains data for RefundLinked events
type RefundLinkedData struct {
	OriginalTxID *int64 `json:"original_tx_id,omitempty"`
	UserID       int64  `json:"user_id"`
	RefundTxID   int64  `json:"refund_tx_id"`
	Removed      bool   `json:"removed"`
}

// EventType returns the event type for RefundLinkedData
func (d *RefundLinkedData) EventType() EventType {
	return RefundLinked
}

// SyncStatusData contains data for SyncStatusChanged events
type SyncStatusData struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	AccountID int64  `json:"account_id"`
	UserID    int64  `json:"user_id"`
	Imported  int    `json:"imported,omitempty"`
}

// EventType returns the event type for SyncStatusData
func (d *SyncStatusData) EventType() EventType {
	return SyncStatusChanged
}

// ConnectionDeactivatedData contains data for ConnectionDeactivated events
type ConnectionDeactivatedData struct {
	Reason       string `json:"reason"`
	ConnectionID int64  `json:"connection_id"`
	UserID       int64  `json:"user_id"`
}

// EventType returns the event type for ConnectionDeactivatedData
func (d *ConnectionDeactivatedData) EventType() EventType {
	return ConnectionDeactivated
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// RatesSyncedData contains data for RatesSynced events
type RatesSyncedData struct {
	Base   string `json:"base"`
	Date   string `json:"date"`
	Quotes int    `json:"quotes"`
}

// EventType returns the event type for RatesSyncedData
func (d *RatesSyncedData) EventType() EventType {
	return RatesSynced
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
	Rotated  int    `json:"rotated"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}
