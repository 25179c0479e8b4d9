package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lapse/internal/eventbus"
	"lapse/internal/expiry"
	"lapse/internal/metrics"
	"lapse/internal/policy"
	"lapse/internal/transport"
	"lapse/pkg/logx"
)

type fakeTransport struct {
	sent chan transport.Envelope

	mu       sync.Mutex
	failures int
	block    chan struct{}
	entered  chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan transport.Envelope, 64), entered: make(chan struct{}, 64)}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, env transport.Envelope) error {
	f.entered <- struct{}{}
	f.mu.Lock()
	block := f.block
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.New("transport down")
	}
	f.sent <- env
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func announcement(subject string, offset time.Duration) expiry.Announcement {
	exp := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	return expiry.Announcement{
		PolicyID:      "door",
		Subject:       policy.Subject{ID: policy.SubjectID(subject), Type: "user", Expiry: &exp},
		Offset:        offset,
		Expiry:        exp,
		CorrelationID: subject + "-" + offset.String(),
		RequiresAck:   true,
		IssuedAt:      exp.Add(-offset),
	}
}

type fixture struct {
	svc     *Service
	tr      *fakeTransport
	events  <-chan eventbus.Event
	metrics *metrics.Metrics
}

func start(t *testing.T, cfg Config, tr *fakeTransport) *fixture {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256, "publisher.")
	t.Cleanup(unsub)
	m := metrics.New()
	svc := New(cfg, tr, logx.Nop(), bus, m)
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return &fixture{svc: svc, tr: tr, events: events, metrics: m}
}

func (f *fixture) waitEvent(t *testing.T, typ string) PublishEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-f.events:
			if e.Type == typ {
				return e.Data.(PublishEvent)
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return PublishEvent{}
		}
	}
}

func TestPublishDeliversEnvelope(t *testing.T) {
	f := start(t, Config{}, newFakeTransport())
	require.NoError(t, f.svc.PublishAnnouncement(context.Background(), announcement("alice", time.Hour)))

	env := <-f.tr.sent
	assert.Equal(t, "door", env.PolicyID)
	assert.Equal(t, "alice", env.SubjectID)
	assert.Equal(t, "1h0m0s", env.Offset)
	assert.True(t, env.RequiresAck)

	ev := f.waitEvent(t, EventSent)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, "alice-1h0m0s", ev.CorrelationID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PublishAttempts.WithLabelValues("fake", "sent")))
}

func TestPublishRetriesUntilDelivered(t *testing.T) {
	tr := newFakeTransport()
	tr.failures = 2
	f := start(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, tr)

	require.NoError(t, f.svc.PublishAnnouncement(context.Background(), announcement("alice", time.Hour)))
	<-tr.sent
	assert.Equal(t, 3, f.waitEvent(t, EventSent).Attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PublishAttempts.WithLabelValues("fake", "error")))
}

func TestPublishGivesUpAfterRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.failures = 10
	f := start(t, Config{RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, tr)

	require.NoError(t, f.svc.PublishAnnouncement(context.Background(), announcement("alice", time.Hour)))
	ev := f.waitEvent(t, EventFailed)
	assert.Equal(t, 2, ev.Attempts)
	assert.Equal(t, "transport down", ev.Error)
	assert.Empty(t, tr.sent)
}

func TestPublishFailsFastWhenQueueFull(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	f := start(t, Config{Workers: 1, QueueSize: 1}, tr)
	defer close(tr.block)

	ctx := context.Background()
	require.NoError(t, f.svc.PublishAnnouncement(ctx, announcement("a", time.Hour)))
	<-tr.entered // the worker holds the first announcement
	require.NoError(t, f.svc.PublishAnnouncement(ctx, announcement("b", time.Hour)))
	require.ErrorIs(t, f.svc.PublishAnnouncement(ctx, announcement("c", time.Hour)), ErrQueueFull)
	assert.Equal(t, "c-1h0m0s", f.waitEvent(t, EventDropped).CorrelationID)
}

func TestPublishSuppressesDuplicatesWithinWindow(t *testing.T) {
	f := start(t, Config{DedupWindow: time.Hour}, newFakeTransport())
	ctx := context.Background()

	a := announcement("alice", time.Hour)
	require.NoError(t, f.svc.PublishAnnouncement(ctx, a))
	a.CorrelationID = "another"
	require.ErrorIs(t, f.svc.PublishAnnouncement(ctx, a), ErrDuplicate)
	require.NoError(t, f.svc.PublishAnnouncement(ctx, announcement("alice", time.Minute)))
}

func TestStopDrainsQueueAndRefusesNewWork(t *testing.T) {
	tr := newFakeTransport()
	svc := New(Config{Workers: 1}, tr, logx.Nop(), nil, nil)
	ctx := context.Background()
	require.ErrorIs(t, svc.PublishAnnouncement(ctx, announcement("a", time.Hour)), ErrStopped)

	svc.Start(ctx)
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, svc.PublishAnnouncement(ctx, announcement(s, time.Hour)))
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	assert.Len(t, tr.sent, 3)
	require.ErrorIs(t, svc.PublishAnnouncement(ctx, announcement("d", time.Hour)), ErrStopped)
	assert.Nil(t, svc.Supervisor())
}

func TestRetryDelayIsBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	first := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, first, 70*time.Millisecond)
	assert.LessOrEqual(t, first, 130*time.Millisecond)
}
