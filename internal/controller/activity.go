// ABOUTME: Capped activity log for UI display.
// ABOUTME: Ring of the most recent 100 entries; no correctness dependency.

package controller

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const activityCap = 100

// ActivityEntry is one line of the controller's activity feed.
type ActivityEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
}

// activityLog is an append-only ring of recent entries.
type activityLog struct {
	mu      sync.Mutex
	entries []ActivityEntry
}

// append records an entry, evicting the oldest past the cap, and returns it.
func (l *activityLog) append(source, action, details string) ActivityEntry {
	entry := ActivityEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Source:    source,
		Action:    action,
		Details:   details,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > activityCap {
		l.entries = l.entries[len(l.entries)-activityCap:]
	}
	l.mu.Unlock()
	return entry
}

// snapshot returns a copy of the current entries, oldest first.
func (l *activityLog) snapshot() []ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ActivityEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
