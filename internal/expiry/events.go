package expiry

import (
	"time"

	"lapse/internal/eventbus"
	"lapse/internal/policy"
)

// Event types published on the bus. All share the "expiry." prefix.
const (
	EventPrefix           = "expiry."
	EventStateChanged     = "expiry.state"
	EventAnnounced        = "expiry.announced"
	EventAnnounceFailed   = "expiry.announce_failed"
	EventAcknowledged     = "expiry.acknowledged"
	EventAckOverdue       = "expiry.ack_overdue"
	EventRemovalIssued    = "expiry.removal_issued"
	EventRemovalFailed    = "expiry.removal_failed"
	EventSchedulerStopped = "expiry.scheduler_stopped"
)

// LifecycleEvent is the Data of every expiry event.
type LifecycleEvent struct {
	PolicyID      policy.ID        `json:"policy_id"`
	SubjectID     policy.SubjectID `json:"subject_id"`
	Handle        Handle           `json:"handle"`
	State         string           `json:"state,omitempty"`
	Offset        time.Duration    `json:"offset,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Late          bool             `json:"late,omitempty"`
	Reason        Reason           `json:"reason,omitempty"`
	Error         string           `json:"error,omitempty"`
}

func emit(bus eventbus.Bus, typ string, at time.Time, ev LifecycleEvent) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
