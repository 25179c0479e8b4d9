package expiry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lapse/internal/policy"
	"lapse/pkg/logx"
)

// ackInboxSize bounds acknowledgements queued for one scheduler.
const ackInboxSize = 16

// scheduler drives one subject value from Scheduled to Completed. All of its
// timers derive from the context passed to run, so cancelling that context
// stops every pending timer at once.
type scheduler struct {
	policyID policy.ID
	subject  policy.Subject
	handle   Handle
	cfg      Config
	deps     Deps
	log      logx.Logger

	acks  chan string
	state atomic.Int32

	// outstanding maps correlation id to its pending ack. Owned by run.
	outstanding map[string]pendingAck
	// carried counts acks left open by an earlier run of this subject value.
	carried int
}

type pendingAck struct {
	offset   time.Duration
	deadline time.Time
}

func newScheduler(policyID policy.ID, subject policy.Subject, handle Handle, cfg Config, deps Deps) *scheduler {
	s := &scheduler{
		policyID:    policyID,
		subject:     subject,
		handle:      handle,
		cfg:         cfg,
		deps:        deps,
		acks:        make(chan string, ackInboxSize),
		outstanding: map[string]pendingAck{},
		log: deps.Log.With(
			logx.String("comp", "scheduler"),
			logx.String("policy_id", string(policyID)),
			logx.String("subject_id", string(subject.ID)),
			logx.Uint64("handle", uint64(handle)),
		),
	}
	s.state.Store(int32(Scheduled))
	return s
}

// State may be read from any goroutine.
func (s *scheduler) State() State { return State(s.state.Load()) }

func (s *scheduler) now() time.Time { return s.deps.Clock.Now() }

func (s *scheduler) event(ev LifecycleEvent) LifecycleEvent {
	ev.PolicyID = s.policyID
	ev.SubjectID = s.subject.ID
	ev.Handle = s.handle
	return ev
}

func (s *scheduler) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.log.Debug("state changed", logx.String("from", prev.String()), logx.String("to", st.String()))
	s.deps.Metrics.Transition(st.String())
	emit(s.deps.Bus, EventStateChanged, s.now(), s.event(LifecycleEvent{State: st.String()}))
}

type step struct {
	offset time.Duration
	at     time.Time
}

// carriedAcks counts ack-required announcements the ledger records as
// delivered but never acknowledged. Their correlation ids are gone, so they
// only keep the grace period alive.
func (s *scheduler) carriedAcks(ctx context.Context) int {
	if s.subject.Announcement == nil || !s.subject.Announcement.RequestedAcks {
		return 0
	}
	n := 0
	for _, off := range s.subject.Announcement.Offsets() {
		sent, err := s.deps.Ledger.WasAnnounced(ctx, LedgerKey(s.policyID, s.subject, off))
		if err != nil || !sent {
			continue
		}
		acked, err := s.deps.Ledger.WasAnnounced(ctx, AckLedgerKey(s.policyID, s.subject, off))
		if err != nil {
			s.log.Warn("ack ledger lookup failed", logx.Duration("offset", off), logx.Err(err))
			continue
		}
		if !acked {
			n++
		}
	}
	return n
}

// plan returns the announcements still due, in firing order. Lead times
// that already passed collapse into one immediate announcement for the
// latest of them; anything the ledger already records is skipped.
func (s *scheduler) plan(ctx context.Context) []step {
	now := s.now()
	expiry := s.subject.ExpiresAt()

	var steps []step
	var latestPast *step
	for _, off := range s.subject.Announcement.Offsets() {
		at := expiry.Add(-off)
		if at.After(now) {
			steps = append(steps, step{offset: off, at: at})
			continue
		}
		if now.Before(expiry) {
			latestPast = &step{offset: off, at: now}
		}
	}
	if latestPast != nil {
		steps = append([]step{*latestPast}, steps...)
	}

	due := steps[:0]
	for _, st := range steps {
		done, err := s.deps.Ledger.WasAnnounced(ctx, LedgerKey(s.policyID, s.subject, st.offset))
		if err != nil {
			s.log.Warn("announcement ledger lookup failed", logx.Duration("offset", st.offset), logx.Err(err))
		}
		if done {
			s.log.Debug("announcement already delivered; skipping", logx.Duration("offset", st.offset))
			continue
		}
		due = append(due, st)
	}
	return due
}

// run returns when the subject completed or the context was cancelled.
func (s *scheduler) run(ctx context.Context) Reason {
	defer s.releaseAcks()

	if !s.subject.HasExpiry() {
		s.log.Debug("subject has no expiry; idle until deleted")
		<-ctx.Done()
		return s.terminate(ctx)
	}
	expiry := s.subject.ExpiresAt()

	s.carried = s.carriedAcks(ctx)
	if s.carried > 0 {
		s.log.Info("unacknowledged announcements from an earlier run", logx.Int("outstanding", s.carried))
	}
	for _, st := range s.plan(ctx) {
		if !s.sleepUntil(ctx, st.at) {
			return s.terminate(ctx)
		}
		corr := s.announce(ctx, st.offset)
		if corr == "" {
			continue
		}
		deadline := s.outstanding[corr].deadline
		if !deadline.After(s.now()) {
			continue
		}
		s.setState(AwaitingAck)
		if !s.awaitAck(ctx, corr, deadline) {
			return s.terminate(ctx)
		}
		s.setState(Scheduled)
	}

	if !s.sleepUntil(ctx, expiry) {
		return s.terminate(ctx)
	}
	if open := len(s.outstanding) + s.carried; open > 0 {
		s.setState(OverdueGrace)
		s.log.Warn("subject expired with outstanding acknowledgements; grace period started",
			logx.Int("outstanding", open),
			logx.Time("until", expiry.Add(s.cfg.GracePeriod)),
		)
		if !s.sleepUntil(ctx, expiry.Add(s.cfg.GracePeriod)) {
			return s.terminate(ctx)
		}
	}

	s.setState(Completed)
	s.remove(ctx)
	return ReasonCompleted
}

func (s *scheduler) terminate(ctx context.Context) Reason {
	reason := ReasonShutdown
	if errors.Is(context.Cause(ctx), errSubjectDeleted) {
		reason = ReasonDeleted
	}
	s.setState(Terminating)
	s.log.Debug("scheduler terminating", logx.String("reason", string(reason)))
	return reason
}

// sleepUntil waits for at while accepting acknowledgements. It reports false
// once ctx is done; a timer that fires after cancellation is ignored.
func (s *scheduler) sleepUntil(ctx context.Context, at time.Time) bool {
	t := s.deps.Clock.NewTimer(at.Sub(s.now()))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return ctx.Err() == nil
		case corr := <-s.acks:
			s.acknowledge(ctx, corr)
		}
	}
}

// awaitAck waits for corr until deadline. An elapsed deadline is logged and
// the schedule moves on; the acknowledgement stays outstanding.
func (s *scheduler) awaitAck(ctx context.Context, corr string, deadline time.Time) bool {
	t := s.deps.Clock.NewTimer(deadline.Sub(s.now()))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if ctx.Err() != nil {
				return false
			}
			if _, open := s.outstanding[corr]; open {
				s.log.Warn("acknowledgement overdue", logx.String("correlation_id", corr), logx.Time("deadline", deadline))
				s.deps.Metrics.AckOverdue()
				emit(s.deps.Bus, EventAckOverdue, s.now(), s.event(LifecycleEvent{CorrelationID: corr}))
			}
			return true
		case c := <-s.acks:
			s.acknowledge(ctx, c)
			if c == corr {
				return true
			}
		}
	}
}

func (s *scheduler) acknowledge(ctx context.Context, corr string) {
	p, ok := s.outstanding[corr]
	if !ok {
		s.log.Debug("acknowledgement not outstanding; dropped", logx.String("correlation_id", corr))
		s.deps.Metrics.Ack("dropped")
		return
	}
	delete(s.outstanding, corr)
	s.deps.Acks.release(corr)

	key := AckLedgerKey(s.policyID, s.subject, p.offset)
	if err := s.deps.Ledger.MarkAnnounced(ctx, key, s.subject.ExpiresAt().Add(s.cfg.GracePeriod)); err != nil {
		s.log.Warn("ack ledger write failed", logx.Duration("offset", p.offset), logx.Err(err))
	}

	late := s.now().After(p.deadline)
	if late {
		s.log.Info("late acknowledgement accepted", logx.String("correlation_id", corr), logx.Time("deadline", p.deadline))
		s.deps.Metrics.Ack("late")
	} else {
		s.log.Debug("acknowledgement received", logx.String("correlation_id", corr))
		s.deps.Metrics.Ack("matched")
	}
	emit(s.deps.Bus, EventAcknowledged, s.now(), s.event(LifecycleEvent{CorrelationID: corr, Late: late}))
}

// announce publishes the warning for offset. It returns the correlation id
// when an acknowledgement is now outstanding, "" otherwise.
func (s *scheduler) announce(ctx context.Context, offset time.Duration) string {
	if ctx.Err() != nil {
		return ""
	}
	now := s.now()
	expiry := s.subject.ExpiresAt()
	a := Announcement{
		PolicyID:      s.policyID,
		Subject:       s.subject,
		Offset:        offset,
		Expiry:        expiry,
		CorrelationID: uuid.NewString(),
		RequiresAck:   s.subject.Announcement != nil && s.subject.Announcement.RequestedAcks,
		IssuedAt:      now,
	}
	// Register before publishing so a fast acknowledgement finds its way.
	if a.RequiresAck {
		deadline := now.Add(s.cfg.MaxTimeout)
		if expiry.Before(deadline) {
			deadline = expiry
		}
		s.outstanding[a.CorrelationID] = pendingAck{offset: offset, deadline: deadline}
		s.deps.Acks.register(a.CorrelationID, s.acks)
	}

	if err := s.deps.Publisher.PublishAnnouncement(ctx, a); err != nil {
		if a.RequiresAck {
			delete(s.outstanding, a.CorrelationID)
			s.deps.Acks.release(a.CorrelationID)
		}
		s.log.Warn("announcement not delivered", logx.Duration("offset", offset), logx.Err(err))
		s.deps.Metrics.Announcement("failed")
		emit(s.deps.Bus, EventAnnounceFailed, now, s.event(LifecycleEvent{Offset: offset, Error: err.Error()}))
		return ""
	}

	key := LedgerKey(s.policyID, s.subject, offset)
	if err := s.deps.Ledger.MarkAnnounced(ctx, key, expiry.Add(s.cfg.GracePeriod)); err != nil {
		s.log.Warn("announcement ledger write failed", logx.Duration("offset", offset), logx.Err(err))
	}
	s.log.Info("announcement published",
		logx.Duration("offset", offset),
		logx.Time("expiry", expiry),
		logx.String("correlation_id", a.CorrelationID),
		logx.Bool("requires_ack", a.RequiresAck),
	)
	s.deps.Metrics.Announcement("published")
	emit(s.deps.Bus, EventAnnounced, now, s.event(LifecycleEvent{Offset: offset, CorrelationID: a.CorrelationID}))
	if !a.RequiresAck {
		return ""
	}
	return a.CorrelationID
}

func (s *scheduler) remove(ctx context.Context) {
	cmd := RemoveSubject{
		PolicyID:  s.policyID,
		SubjectID: s.subject.ID,
		Expiry:    s.subject.ExpiresAt(),
		IssuedAt:  s.now(),
	}
	if err := s.deps.Forwarder.RemoveSubject(ctx, cmd); err != nil {
		s.log.Warn("subject removal failed", logx.Err(err))
		s.deps.Metrics.Removal("failed")
		emit(s.deps.Bus, EventRemovalFailed, cmd.IssuedAt, s.event(LifecycleEvent{Error: err.Error()}))
		return
	}
	s.log.Info("subject removal issued", logx.Time("expiry", cmd.Expiry))
	s.deps.Metrics.Removal("issued")
	emit(s.deps.Bus, EventRemovalIssued, cmd.IssuedAt, s.event(LifecycleEvent{}))
}

func (s *scheduler) releaseAcks() {
	for corr := range s.outstanding {
		s.deps.Acks.release(corr)
	}
}
