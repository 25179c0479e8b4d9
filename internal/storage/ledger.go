package storage

import (
	"context"
	"time"

	"lapse/internal/expiry"
	"lapse/pkg/clock"
)

// Ledger adapts a Store's dedup entries to the announcement ledger, so
// delivered announcements survive a restart.
type Ledger struct {
	st    Store
	clock clock.Clock
}

var _ expiry.Ledger = (*Ledger)(nil)

func NewLedger(st Store, c clock.Clock) *Ledger {
	if c == nil {
		c = clock.Real()
	}
	return &Ledger{st: st, clock: c}
}

func (l *Ledger) WasAnnounced(ctx context.Context, key string) (bool, error) {
	until, ok, err := l.st.GetDedup(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return l.clock.Now().Before(until), nil
}

func (l *Ledger) MarkAnnounced(ctx context.Context, key string, until time.Time) error {
	return l.st.PutDedup(ctx, key, until)
}

// Prune drops ledger entries whose retention ended.
func (l *Ledger) Prune(ctx context.Context) (int, error) {
	return l.st.PruneDedup(ctx, l.clock.Now())
}
