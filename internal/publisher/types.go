// Package publisher is the asynchronous announcement pipeline: a bounded
// queue drained by a worker pool that rate limits, retries with jittered
// backoff and suppresses duplicates before handing envelopes to a transport.
//
// PublishAnnouncement only enqueues. Delivery failures after that point are
// reported through logs, metrics and the event bus; the scheduler that asked
// for the announcement keeps its schedule either way.
package publisher

import (
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("publisher queue full")
	ErrStopped   = errors.New("publisher stopped")
	ErrDuplicate = errors.New("announcement suppressed by dedup window")
)

// Config controls the pipeline. Zero values get defaults.
type Config struct {
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 50
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Event types published on the bus.
const (
	EventQueued  = "publisher.queued"
	EventSent    = "publisher.sent"
	EventFailed  = "publisher.failed"
	EventDropped = "publisher.dropped"
	EventDeduped = "publisher.deduped"
)

// PublishEvent is the Data of every publisher bus event.
type PublishEvent struct {
	Transport     string `json:"transport"`
	PolicyID      string `json:"policy_id"`
	SubjectID     string `json:"subject_id"`
	CorrelationID string `json:"correlation_id"`
	Attempts      int    `json:"attempts,omitempty"`
	Error         string `json:"error,omitempty"`
}
