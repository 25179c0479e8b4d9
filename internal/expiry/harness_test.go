package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lapse/internal/eventbus"
	"lapse/internal/metrics"
	"lapse/internal/policy"
	"lapse/pkg/clock"
	"lapse/pkg/logx"
)

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type fakePublisher struct {
	calls chan Announcement

	mu   sync.Mutex
	fail error
	// gate, when set, holds every publish until it is closed. Held publishes
	// are reported on calls before they block.
	gate chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{calls: make(chan Announcement, 256)}
}

func (p *fakePublisher) PublishAnnouncement(_ context.Context, a Announcement) error {
	p.mu.Lock()
	err, gate := p.fail, p.gate
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.calls <- a
	if gate != nil {
		<-gate
	}
	return nil
}

func (p *fakePublisher) hold() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (p *fakePublisher) failWith(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

type fakeForwarder struct {
	calls chan RemoveSubject
	err   error
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{calls: make(chan RemoveSubject, 256)}
}

func (f *fakeForwarder) RemoveSubject(_ context.Context, cmd RemoveSubject) error {
	f.calls <- cmd
	return f.err
}

type harness struct {
	t       *testing.T
	clock   *clock.FakeClock
	pub     *fakePublisher
	fwd     *fakeForwarder
	ledger  *MemoryLedger
	acks    *AckRouter
	bus     eventbus.Bus
	events  <-chan eventbus.Event
	metrics *metrics.Metrics
	cfg     Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := clock.Fake(t0)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(1024, EventPrefix)
	t.Cleanup(unsub)
	m := metrics.New()
	return &harness{
		t:       t,
		clock:   c,
		pub:     newFakePublisher(),
		fwd:     newFakeForwarder(),
		ledger:  NewMemoryLedger(c),
		acks:    NewAckRouter(logx.Nop(), m),
		bus:     bus,
		events:  events,
		metrics: m,
		cfg:     Config{GracePeriod: 4 * time.Hour, MaxTimeout: time.Minute},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Publisher: h.pub,
		Forwarder: h.fwd,
		Ledger:    h.ledger,
		Acks:      h.acks,
		Clock:     h.clock,
		Bus:       h.bus,
		Metrics:   h.metrics,
		Log:       logx.Nop(),
	}
}

// step waits for the scheduler to arm its timer, then moves time forward.
func (h *harness) step(d time.Duration) {
	h.clock.BlockUntil(1)
	h.clock.Advance(d)
}

type runningScheduler struct {
	s      *scheduler
	cancel context.CancelCauseFunc
	done   chan Reason
}

func (h *harness) startScheduler(sub policy.Subject) *runningScheduler {
	h.t.Helper()
	s := newScheduler("door", sub, 1, h.cfg, h.deps())
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan Reason, 1)
	go func() { done <- s.run(ctx) }()
	h.t.Cleanup(func() { cancel(errors.New("test over")) })
	return &runningScheduler{s: s, cancel: cancel, done: done}
}

func (r *runningScheduler) wait(t *testing.T) Reason {
	t.Helper()
	select {
	case reason := <-r.done:
		return reason
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
		return ""
	}
}

func (r *runningScheduler) awaitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.s.State() == want }, 5*time.Second, time.Millisecond,
		"state %s never reached (now %s)", want, r.s.State())
}

func recvAnnouncement(t *testing.T, ch <-chan Announcement) Announcement {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no announcement published")
		return Announcement{}
	}
}

func recvRemoval(t *testing.T, ch <-chan RemoveSubject) RemoveSubject {
	t.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatal("no removal issued")
		return RemoveSubject{}
	}
}

// eventsOf drains the buffered events and returns those of typ.
func (h *harness) eventsOf(typ string) []LifecycleEvent {
	var out []LifecycleEvent
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				out = append(out, e.Data.(LifecycleEvent))
			}
		default:
			return out
		}
	}
}

func expiringIn(id string, d time.Duration, ann *policy.AnnouncementConfig) policy.Subject {
	exp := t0.Add(d)
	return policy.Subject{ID: policy.SubjectID(id), Type: "user", Expiry: &exp, Announcement: ann}
}

func offsets(acks bool, ds ...time.Duration) *policy.AnnouncementConfig {
	return &policy.AnnouncementConfig{BeforeExpiry: ds, RequestedAcks: acks}
}

func policySubjectWithoutExpiry() policy.Subject {
	return policy.Subject{ID: "bob", Announcement: offsets(true, time.Hour)}
}
