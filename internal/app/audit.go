package app

import (
	"context"
	"time"

	"lapse/internal/eventbus"
	"lapse/internal/expiry"
	"lapse/internal/storage"
	"lapse/pkg/logx"
)

// auditKinds are the lifecycle events persisted to the audit trail. State
// transitions stay in the logs only.
var auditKinds = map[string]bool{
	expiry.EventAnnounced:        true,
	expiry.EventAnnounceFailed:   true,
	expiry.EventAcknowledged:     true,
	expiry.EventAckOverdue:       true,
	expiry.EventRemovalIssued:    true,
	expiry.EventRemovalFailed:    true,
	expiry.EventSchedulerStopped: true,
}

func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	ev, ok := e.Data.(expiry.LifecycleEvent)
	if !ok || !auditKinds[e.Type] {
		return storage.AuditEntry{}, false
	}
	entry := storage.AuditEntry{
		At:            e.Time,
		Kind:          e.Type,
		PolicyID:      string(ev.PolicyID),
		SubjectID:     string(ev.SubjectID),
		CorrelationID: ev.CorrelationID,
		State:         ev.State,
		Reason:        string(ev.Reason),
		Error:         ev.Error,
	}
	if ev.Offset > 0 {
		entry.Offset = ev.Offset.String()
	}
	return entry, true
}

// runAudit copies lifecycle events into st until ctx is done or the
// subscription closes.
func runAudit(ctx context.Context, events <-chan eventbus.Event, st storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			err := st.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				log.Warn("audit append failed", logx.String("kind", entry.Kind), logx.Err(err))
			}
		}
	}
}
