package work

import (
	"strings"
	"sync"
	"time"
)

// CompletionTracker remembers when work items last completed, which is what
// interval staleness is measured against.
type CompletionTracker struct {
	completions map[string]time.Time // key: "typeID:subject"
	now         func() time.Time
	mu          sync.RWMutex
}

// NewCompletionTracker creates a new completion tracker.
func NewCompletionTracker() *CompletionTracker {
	return &CompletionTracker{
		completions: make(map[string]time.Time),
		now:         time.Now,
	}
}

// MarkCompleted records that a work item has been completed.
func (t *CompletionTracker) MarkCompleted(item *WorkItem) {
	t.MarkCompletedAt(item, t.now())
}

// MarkCompletedAt records that a work item was completed at a specific time.
func (t *CompletionTracker) MarkCompletedAt(item *WorkItem, completedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completions[NewCompletionKey(item).String()] = completedAt
}

// GetCompletion returns when a work type/subject combination last completed.
func (t *CompletionTracker) GetCompletion(typeID, subject string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	completedAt, exists := t.completions[CompletionKey{TypeID: typeID, Subject: subject}.String()]
	return completedAt, exists
}

// IsStale reports whether the work is due: never completed, on-demand
// (zero interval) or completed longer than interval ago.
func (t *CompletionTracker) IsStale(typeID, subject string, interval time.Duration) bool {
	if interval == 0 {
		return true
	}
	completedAt, exists := t.GetCompletion(typeID, subject)
	if !exists {
		return true
	}
	return t.now().Sub(completedAt) > interval
}

// Clear removes the completion record for a specific work type/subject.
func (t *CompletionTracker) Clear(typeID, subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.completions, CompletionKey{TypeID: typeID, Subject: subject}.String())
}

// ClearByTypeID removes the records of every subject of a work type, so
// the next processor pass runs them all again.
func (t *CompletionTracker) ClearByTypeID(typeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.completions {
		if key == typeID || strings.HasPrefix(key, typeID+":") {
			delete(t.completions, key)
		}
	}
}
