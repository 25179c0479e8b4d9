// Package transport carries announcements out of the process and, where
// the medium allows it, acknowledgements back in.
package transport

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("transport closed")

// Envelope is the wire form of one announcement.
type Envelope struct {
	PolicyID      string    `json:"policy_id" cbor:"policy_id"`
	SubjectID     string    `json:"subject_id" cbor:"subject_id"`
	SubjectType   string    `json:"subject_type,omitempty" cbor:"subject_type,omitempty"`
	Offset        string    `json:"offset" cbor:"offset"`
	Expiry        time.Time `json:"expiry" cbor:"expiry"`
	CorrelationID string    `json:"correlation_id" cbor:"correlation_id"`
	RequiresAck   bool      `json:"requires_ack" cbor:"requires_ack"`
	IssuedAt      time.Time `json:"issued_at" cbor:"issued_at"`
}

// Transport delivers envelopes. Send must be safe for concurrent use.
type Transport interface {
	Name() string
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// AckFunc receives an acknowledged correlation id and reports whether
// anybody was waiting for it.
type AckFunc func(correlationID string) bool

// AckSource is implemented by transports that also receive acknowledgements.
// ListenAcks blocks until ctx is done.
type AckSource interface {
	ListenAcks(ctx context.Context, fn AckFunc) error
}
