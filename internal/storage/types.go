// Package storage persists the announcement ledger and the audit trail.
//
// Drivers:
//   - "file": JSON Lines audit log plus a dedup snapshot and journal
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//   - "redis": audit stream and TTL keys, shareable between replicas
//
// An empty driver or "none" disables storage; Open then returns (nil, nil).
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver string
	// Path is the file prefix or sqlite database path.
	Path        string
	BusyTimeout time.Duration // sqlite only
	RedisURL    string
	// KeyPrefix namespaces redis keys. Defaults to "lapse".
	KeyPrefix string
}

// Store is the persistence API used by the daemon.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	// PruneDedup drops entries that expired before now.
	PruneDedup(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// AuditEntry records one lifecycle event of a subject.
type AuditEntry struct {
	At            time.Time `json:"at"`
	Kind          string    `json:"kind"`
	PolicyID      string    `json:"policy_id"`
	SubjectID     string    `json:"subject_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	State         string    `json:"state,omitempty"`
	Offset        string    `json:"offset,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Error         string    `json:"error,omitempty"`
}
