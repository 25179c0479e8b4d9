package expiry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"lapse/internal/policy"
	"lapse/internal/runtime/supervisor"
	"lapse/pkg/logx"
)

const inboxSize = 64

// message is the closed set of inputs of the Manager loop.
type message interface{ isMessage() }

type policyUpdated struct{ policy *policy.Policy }

type childStopped struct {
	handle Handle
	reason Reason
}

type snapshotRequest struct{ reply chan Snapshot }

func (policyUpdated) isMessage()   {}
func (childStopped) isMessage()    {}
func (snapshotRequest) isMessage() {}

// SubjectStatus describes one tracked scheduler.
type SubjectStatus struct {
	Handle    Handle           `json:"handle"`
	SubjectID policy.SubjectID `json:"subject_id"`
	Type      string           `json:"type,omitempty"`
	Expiry    *time.Time       `json:"expiry,omitempty"`
	State     string           `json:"state"`
	Deleting  bool             `json:"deleting,omitempty"`
}

type Snapshot struct {
	PolicyID policy.ID       `json:"policy_id"`
	Revision int64           `json:"revision"`
	Subjects []SubjectStatus `json:"subjects"`
}

// Manager keeps exactly one scheduler per interesting subject of one policy.
// All bookkeeping is owned by the Run goroutine; other goroutines talk to it
// through messages only.
type Manager struct {
	id   policy.ID
	cfg  Config
	deps Deps
	log  logx.Logger

	inbox   chan message
	done    chan struct{}
	running atomic.Bool

	// Owned by Run.
	sup        *supervisor.Supervisor
	tracked    *tracking
	desired    map[string]policy.Subject
	nextHandle Handle
	revision   int64
	stopping   bool
}

func NewManager(id policy.ID, cfg Config, deps Deps) *Manager {
	deps = deps.withDefaults()
	return &Manager{
		id:      id,
		cfg:     cfg.WithDefaults(),
		deps:    deps,
		log:     deps.Log.With(logx.String("comp", "manager"), logx.String("policy_id", string(id))),
		inbox:   make(chan message, inboxSize),
		done:    make(chan struct{}),
		tracked: newTracking(),
		desired: map[string]policy.Subject{},
	}
}

func (m *Manager) ID() policy.ID { return m.id }

func (m *Manager) Config() Config { return m.cfg }

// Done is closed after Run returned and every scheduler exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// PolicyUpdated hands a new policy version to the Manager. Delivering the
// same version again is harmless.
func (m *Manager) PolicyUpdated(ctx context.Context, p *policy.Policy) error {
	if p == nil {
		return errors.New("expiry: nil policy")
	}
	if p.ID != m.id {
		return fmt.Errorf("expiry: policy %s sent to manager of %s", p.ID, m.id)
	}
	return m.send(ctx, policyUpdated{policy: p.Clone()})
}

// Snapshot returns the tracked subjects as seen by the Manager loop.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := m.send(ctx, snapshotRequest{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-m.done:
		return Snapshot{}, ErrManagerStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (m *Manager) send(ctx context.Context, msg message) error {
	select {
	case <-m.done:
		return ErrManagerStopped
	default:
	}
	select {
	case m.inbox <- msg:
		return nil
	case <-m.done:
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes messages until ctx is done, then stops every scheduler and
// waits for all of them before returning.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("expiry: manager already running")
	}
	defer close(m.done)

	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.deps.Metrics.ManagerStarted()
	defer m.deps.Metrics.ManagerStopped()
	m.log.Debug("manager started")

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case msg := <-m.inbox:
			m.handle(msg)
		}
	}
}

func (m *Manager) handle(msg message) {
	switch msg := msg.(type) {
	case policyUpdated:
		m.onPolicyUpdated(msg.policy)
	case childStopped:
		m.onChildStopped(msg.handle, msg.reason)
	case snapshotRequest:
		msg.reply <- m.snapshot()
	}
}

func (m *Manager) onPolicyUpdated(p *policy.Policy) {
	if p.Revision > 0 && p.Revision < m.revision {
		m.log.Debug("stale policy revision ignored", logx.Int64("revision", p.Revision), logx.Int64("current", m.revision))
		return
	}
	m.revision = p.Revision

	interesting := policy.InterestingSubjects(p)
	m.desired = interesting

	started := setDifference(interesting, m.tracked.bySubject)
	stale := setDifference(m.tracked.bySubject, interesting)
	for _, key := range started {
		m.startChild(interesting[key])
	}
	for _, key := range stale {
		m.sendSubjectDeleted(key)
	}
	if len(started) > 0 || len(stale) > 0 {
		m.log.Debug("policy processed",
			logx.Int64("revision", p.Revision),
			logx.Int("started", len(started)),
			logx.Int("deleted", len(stale)),
			logx.Int("tracked", m.tracked.len()),
		)
	}
}

func (m *Manager) startChild(sub policy.Subject) {
	m.nextHandle++
	h := m.nextHandle
	sched := newScheduler(m.id, sub, h, m.cfg, m.deps)
	sctx, cancel := context.WithCancelCause(m.sup.Context())
	c := &child{handle: h, key: sub.Key(), subject: sub, sched: sched, cancel: cancel}
	if err := m.tracked.insert(c); err != nil {
		cancel(err)
		m.log.Error("scheduler not started", logx.Err(err))
		return
	}

	m.deps.Metrics.SchedulerStarted()
	m.sup.Go("subject:"+string(sub.ID), func(context.Context) error {
		reason := ReasonPanic
		defer func() {
			cancel(nil)
			m.deps.Metrics.SchedulerStopped(string(reason))
			emit(m.deps.Bus, EventSchedulerStopped, m.deps.Clock.Now(), sched.event(LifecycleEvent{Reason: reason}))
			m.deliver(childStopped{handle: h, reason: reason})
		}()
		reason = sched.run(sctx)
		return nil
	})
}

// deliver is used by scheduler goroutines. The Manager keeps draining its
// inbox until every scheduler exited, so this never blocks forever.
func (m *Manager) deliver(msg message) {
	select {
	case m.inbox <- msg:
	case <-m.done:
	}
}

func (m *Manager) sendSubjectDeleted(key string) {
	c, ok := m.tracked.lookup(key)
	if !ok {
		m.log.Error("no scheduler tracked for deleted subject", logx.String("subject", key))
		return
	}
	if c.deleting {
		return
	}
	c.deleting = true
	c.cancel(errSubjectDeleted)
}

func (m *Manager) onChildStopped(h Handle, reason Reason) {
	c, ok := m.tracked.remove(h)
	if !ok {
		m.log.Debug("stop notice for untracked scheduler", logx.Uint64("handle", uint64(h)))
		return
	}
	m.log.Debug("scheduler stopped",
		logx.String("subject_id", string(c.subject.ID)),
		logx.Uint64("handle", uint64(h)),
		logx.String("reason", string(reason)),
	)
	// The subject came back while its previous scheduler was being deleted.
	if reason == ReasonDeleted && !m.stopping {
		if sub, ok := m.desired[c.key]; ok {
			m.startChild(sub)
		}
	}
}

func (m *Manager) snapshot() Snapshot {
	snap := Snapshot{PolicyID: m.id, Revision: m.revision, Subjects: []SubjectStatus{}}
	for _, c := range m.tracked.children() {
		st := SubjectStatus{
			Handle:    c.handle,
			SubjectID: c.subject.ID,
			Type:      c.subject.Type,
			State:     c.sched.State().String(),
			Deleting:  c.deleting,
		}
		if c.subject.HasExpiry() {
			t := c.subject.ExpiresAt()
			st.Expiry = &t
		}
		snap.Subjects = append(snap.Subjects, st)
	}
	return snap
}

func (m *Manager) shutdown() {
	m.stopping = true
	m.sup.Cancel()

	waited := make(chan error, 1)
	go func() { waited <- m.sup.Wait(context.Background()) }()

	for {
		select {
		case msg := <-m.inbox:
			m.handleStopping(msg)
		case err := <-waited:
		drain:
			for {
				select {
				case msg := <-m.inbox:
					m.handleStopping(msg)
				default:
					break drain
				}
			}
			if err != nil {
				m.log.Warn("scheduler failure during manager lifetime", logx.Err(err))
			}
			if m.tracked.len() != 0 {
				m.log.Error("schedulers still tracked after shutdown", logx.Int("tracked", m.tracked.len()))
			}
			m.log.Debug("manager stopped")
			return
		}
	}
}

// handleStopping drops policy updates; the Manager is going away.
func (m *Manager) handleStopping(msg message) {
	switch msg.(type) {
	case policyUpdated:
	default:
		m.handle(msg)
	}
}
