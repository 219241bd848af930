package tube

import (
	"fmt"
	"sync"
	"time"
)

// DefaultJournalCapacity bounds the journal when no capacity is configured.
const DefaultJournalCapacity = 1024

// Journal is the per-tube append-only audit trail: every applied design-state
// transition plus free-form lifecycle entries. The trail is bounded; when the
// capacity is reached the oldest entries are dropped.
type Journal struct {
	mu      sync.RWMutex
	cap     int
	records []TransitionRecord
	entries []string
}

// NewJournal creates a journal with the given capacity
// (DefaultJournalCapacity if <= 0).
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultJournalCapacity
	}
	return &Journal{cap: capacity}
}

// Record appends a transition record.
func (j *Journal) Record(rec TransitionRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	if len(j.records) > j.cap {
		j.records = j.records[len(j.records)-j.cap:]
	}
}

// Log appends a timestamped free-form entry.
func (j *Journal) Log(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339Nano), entry))
	if len(j.entries) > j.cap {
		j.entries = j.entries[len(j.entries)-j.cap:]
	}
}

// Records returns a copy of the retained transition records, oldest first.
func (j *Journal) Records() []TransitionRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]TransitionRecord, len(j.records))
	copy(out, j.records)
	return out
}

// Entries returns a copy of the retained free-form entries, oldest first.
func (j *Journal) Entries() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// LastTransition returns the most recent transition record.
func (j *Journal) LastTransition() (TransitionRecord, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.records) == 0 {
		return TransitionRecord{}, false
	}
	return j.records[len(j.records)-1], true
}
