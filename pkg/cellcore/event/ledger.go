package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LedgerStatus is the outcome recorded by a saga ledger entry.
type LedgerStatus string

// Ledger statuses.
const (
	LedgerSuccess     LedgerStatus = "SUCCESS"
	LedgerFailed      LedgerStatus = "FAILED"
	LedgerCompensated LedgerStatus = "COMPENSATED"
)

// SagaLogEntry is one append-only line of a flow's history.
type SagaLogEntry struct {
	ID            string       `json:"id"`
	CorrelationID string       `json:"correlation_id"`
	Step          string       `json:"step"`
	Status        LedgerStatus `json:"status"`
	Details       string       `json:"details"`
	Timestamp     time.Time    `json:"timestamp"`
}

// NewLedgerID returns a unique saga ledger entry id.
func NewLedgerID() string {
	return fmt.Sprintf("saga-%s", uuid.NewString())
}

// Ledger is the in-memory saga log kept by a Bridge.
// Entries are kept in append order; with a positive limit the oldest
// entries are discarded once the limit is exceeded.
type Ledger struct {
	mu      sync.RWMutex
	entries []SagaLogEntry
	limit   int
}

// NewLedger creates a ledger keeping at most limit entries (0 = unbounded).
func NewLedger(limit int) *Ledger {
	return &Ledger{limit: limit}
}

// Append adds an entry, filling its id and timestamp when empty.
func (l *Ledger) Append(entry SagaLogEntry) SagaLogEntry {
	if entry.ID == "" {
		entry.ID = NewLedgerID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if l.limit > 0 && len(l.entries) > l.limit {
		// The dropped prefix is released on the next reallocation.
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
	return entry
}

// History returns entries for correlationID in append order.
// An empty correlationID returns every entry.
func (l *Ledger) History(correlationID string) []SagaLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]SagaLogEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if correlationID == "" || e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
