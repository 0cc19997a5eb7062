package work

import (
	"context"
	"strings"
	"time"
)

// WorkTimeout is the maximum duration a work item can run before being cancelled.
const WorkTimeout = 10 * time.Minute

// MaxRetries is the maximum number of times a failed work item will be retried.
const MaxRetries = 5

// Priority defines the execution priority of work types.
type Priority int

const (
	// PriorityLow is for housekeeping (cache cleanup, backups).
	PriorityLow Priority = iota
	// PriorityMedium is for regular background work (exchange rates).
	PriorityMedium
	// PriorityHigh is for work users wait on (bank sync).
	PriorityHigh
	// PriorityCritical is for work that unblocks other work (stale status reset).
	PriorityCritical
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// WorkType defines a type of work that can be executed.
// Work types are registered once and can generate multiple work items.
type WorkType struct {
	// ID is the unique identifier for this work type (e.g., "sync:connections").
	ID string

	// DependsOn lists work type IDs that must complete before this work can run.
	// Dependencies are scoped to the same subject.
	DependsOn []string

	// Interval is the minimum time between runs (0 = on-demand only).
	Interval time.Duration

	// Priority determines execution order when multiple work items are eligible.
	Priority Priority

	// FindSubjects returns the subjects that need this work.
	// Returns []string{""} for global work, nil if no work is needed.
	FindSubjects func() []string

	// Execute performs the work for a given subject.
	Execute func(ctx context.Context, subject string) error
}

// WorkItem represents a specific unit of work to be executed.
type WorkItem struct {
	CreatedAt time.Time

	// ID is the full work ID including subject (e.g., "sync:connections:12").
	ID string

	// TypeID is the work type ID (e.g., "sync:connections").
	TypeID string

	// Subject is empty for global work.
	Subject string

	// Retries is the number of times this item has been retried.
	Retries int
}

// NewWorkItem creates a new work item from a work type and subject.
func NewWorkItem(workType *WorkType, subject string) *WorkItem {
	id := workType.ID
	if subject != "" {
		id = workType.ID + ":" + subject
	}

	return &WorkItem{
		ID:        id,
		TypeID:    workType.ID,
		Subject:   subject,
		CreatedAt: time.Now(),
	}
}

// ParseWorkID splits a full work ID into work type ID and subject.
// "sync:connections:12" returns ("sync:connections", "12"); "sync:rates"
// returns ("sync:rates", "").
func ParseWorkID(id string) (typeID string, subject string) {
	parts := strings.Split(id, ":")
	if len(parts) <= 2 {
		return id, ""
	}
	return strings.Join(parts[:len(parts)-1], ":"), parts[len(parts)-1]
}

// CompletionKey uniquely identifies a completed work item.
type CompletionKey struct {
	TypeID  string
	Subject string
}

// NewCompletionKey creates a completion key from a work item.
func NewCompletionKey(item *WorkItem) CompletionKey {
	return CompletionKey{TypeID: item.TypeID, Subject: item.Subject}
}

// String returns a string representation of the completion key.
func (ck CompletionKey) String() string {
	if ck.Subject == "" {
		return ck.TypeID
	}
	return ck.TypeID + ":" + ck.Subject
}
