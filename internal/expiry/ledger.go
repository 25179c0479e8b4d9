package expiry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"lapse/internal/policy"
	"lapse/pkg/clock"
)

// LedgerKey names one announcement of one subject value. A renewed expiry
// yields a new key.
func LedgerKey(id policy.ID, s policy.Subject, offset time.Duration) string {
	return "announce:" + string(id) + "|" + s.Key() + "|" + strconv.FormatInt(int64(offset), 10)
}

// AckLedgerKey names the acknowledgement of the announcement LedgerKey names.
func AckLedgerKey(id policy.ID, s policy.Subject, offset time.Duration) string {
	return "ack:" + string(id) + "|" + s.Key() + "|" + strconv.FormatInt(int64(offset), 10)
}

// MemoryLedger is the Ledger used when no storage driver is configured. It
// does not survive restarts.
type MemoryLedger struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryLedger(c clock.Clock) *MemoryLedger {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryLedger{clock: c, entries: map[string]time.Time{}}
}

func (l *MemoryLedger) WasAnnounced(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.entries[key]
	return ok && l.clock.Now().Before(until), nil
}

func (l *MemoryLedger) MarkAnnounced(_ context.Context, key string, until time.Time) error {
	l.mu.Lock()
	l.entries[key] = until
	l.mu.Unlock()
	return nil
}

// Prune drops expired entries and returns how many were removed.
func (l *MemoryLedger) Prune() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, until := range l.entries {
		if !now.Before(until) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}
