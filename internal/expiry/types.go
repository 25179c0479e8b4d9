// Package expiry runs one Lifecycle Manager per policy and one Subject
// Scheduler per interesting subject. Schedulers announce upcoming expiry,
// wait for acknowledgements within bounds, and issue a removal command once
// the subject lapsed.
package expiry

import (
	"context"
	"errors"
	"time"

	"lapse/internal/eventbus"
	"lapse/internal/metrics"
	"lapse/internal/policy"
	"lapse/pkg/clock"
	"lapse/pkg/logx"
)

var (
	ErrManagerStopped = errors.New("expiry: manager stopped")
	ErrUnknownPolicy  = errors.New("expiry: no manager for policy")

	// errSubjectDeleted is the cancellation cause of a scheduler whose
	// subject left the interesting set.
	errSubjectDeleted = errors.New("expiry: subject deleted")
)

const (
	DefaultGracePeriod = 4 * time.Hour
	DefaultMaxTimeout  = time.Minute
)

// Config is fixed for the lifetime of a Manager.
type Config struct {
	// GracePeriod keeps a subject with outstanding acknowledgements alive
	// past its expiry.
	GracePeriod time.Duration
	// MaxTimeout bounds the wait for one acknowledgement.
	MaxTimeout time.Duration
}

// WithDefaults fills zero or negative fields.
func (c Config) WithDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	return c
}

type State int32

const (
	Scheduled State = iota
	AwaitingAck
	OverdueGrace
	Completed
	Terminating
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case AwaitingAck:
		return "awaiting_ack"
	case OverdueGrace:
		return "overdue_grace"
	case Completed:
		return "completed"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Reason explains why a scheduler stopped.
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonDeleted   Reason = "deleted"
	ReasonShutdown  Reason = "shutdown"
	ReasonPanic     Reason = "panic"
)

// Handle identifies one scheduler instance within its Manager.
type Handle uint64

// Announcement is handed to the Publisher for every lead time that fires.
type Announcement struct {
	PolicyID      policy.ID
	Subject       policy.Subject
	Offset        time.Duration
	Expiry        time.Time
	CorrelationID string
	RequiresAck   bool
	IssuedAt      time.Time
}

// RemoveSubject asks the policy owner to drop a lapsed subject. Expiry lets
// the owner refuse when the subject was renewed in the meantime.
type RemoveSubject struct {
	PolicyID  policy.ID
	SubjectID policy.SubjectID
	Expiry    time.Time
	IssuedAt  time.Time
}

type Publisher interface {
	PublishAnnouncement(ctx context.Context, a Announcement) error
}

type Forwarder interface {
	RemoveSubject(ctx context.Context, cmd RemoveSubject) error
}

// Ledger remembers delivered announcements and received acknowledgements, so
// a restarted scheduler neither repeats a warning nor forgets an open ack.
type Ledger interface {
	WasAnnounced(ctx context.Context, key string) (bool, error)
	MarkAnnounced(ctx context.Context, key string, until time.Time) error
}

// Deps are the collaborators shared by every Manager and scheduler. Only
// Publisher and Forwarder are required.
type Deps struct {
	Publisher Publisher
	Forwarder Forwarder
	Ledger    Ledger
	Acks      *AckRouter
	Clock     clock.Clock
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Ledger == nil {
		d.Ledger = NewMemoryLedger(d.Clock)
	}
	if d.Acks == nil {
		d.Acks = NewAckRouter(d.Log, d.Metrics)
	}
	return d
}
