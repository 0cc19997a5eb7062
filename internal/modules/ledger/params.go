package ledger

import (
	"time"

	"github.com/aristath/tally/internal/domain"
)

// SplitParams allocates part of a transaction to a category
type SplitParams struct {
	Note       string `json:"note"`
	CategoryID int64  `json:"category_id"`
	Amount     int64  `json:"amount"`
}

// RefundTarget names what a newly created transaction refunds.
// A nil OriginalTxID creates a floating refund.
type RefundTarget struct {
	OriginalTxID *int64
	SplitID      *string
}

// CreateParams describes a new transaction. For a common transfer either
// DestinationTransactionID or both DestinationAmount and
// DestinationAccountID must be set.
type CreateParams struct {
	Time                     time.Time
	CategoryID               *int64
	OriginalID               *string
	DestinationAmount        *int64
	DestinationAccountID     *int64
	DestinationTransactionID *int64
	RefundFor                *RefundTarget
	ExternalData             domain.ExternalData
	TransactionType          domain.TransactionType
	TransferNature           domain.TransferNature
	AccountType              domain.AccountType
	PaymentType              domain.PaymentType
	Note                     string
	Splits                   []SplitParams
	TagIDs                   []int64
	UserID                   int64
	AccountID                int64
	Amount                   int64
	CommissionRate           int64
	CashbackAmount           int64
}

// UpdateParams changes an existing transaction. Nil fields are left as they are.
// Splits and TagIDs replace the current set when non-nil; an empty slice clears it.
type UpdateParams struct {
	Amount                   *int64
	Time                     *time.Time
	TransactionType          *domain.TransactionType
	AccountID                *int64
	CategoryID               *int64
	PaymentType              *domain.PaymentType
	Note                     *string
	TransferNature           *domain.TransferNature
	DestinationAmount        *int64
	DestinationAccountID     *int64
	DestinationTransactionID *int64
	Splits                   *[]SplitParams
	TagIDs                   *[]int64
	ID                       int64
	UserID                   int64
}

// DeleteParams identifies a transaction to delete
type DeleteParams struct {
	ID     int64
	UserID int64
}

// TagMode selects how BulkUpdate applies TagIDs
type TagMode string

const (
	TagModeAdd     TagMode = "add"
	TagModeRemove  TagMode = "remove"
	TagModeReplace TagMode = "replace"
)

// BulkUpdateParams changes category, note or tags on many transactions
type BulkUpdateParams struct {
	CategoryID *int64
	Note       *string
	TagMode    TagMode
	IDs        []int64
	TagIDs     []int64
	UserID     int64
}

// LinkParams pairs existing transactions into transfers.
// Each pair is {base, destination}.
type LinkParams struct {
	IDs    [][2]int64
	UserID int64
}

// UnlinkParams dissolves transfers back into ordinary transactions
type UnlinkParams struct {
	TransferIDs []string
	UserID      int64
}

// RefundParams links a refund to its original (or to nothing, for a floating refund)
type RefundParams struct {
	OriginalTxID *int64
	SplitID      *string
	UserID       int64
	RefundTxID   int64
}

// RemoveRefundParams identifies the refund link to remove
type RemoveRefundParams struct {
	UserID     int64
	RefundTxID int64
}
