package publisher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lapse/internal/eventbus"
	"lapse/internal/expiry"
	"lapse/internal/metrics"
	"lapse/internal/runtime/supervisor"
	"lapse/internal/transport"
	"lapse/pkg/logx"
)

type job struct {
	env transport.Envelope
	// dedupKey is computed at enqueue time.
	dedupKey string
}

// Service implements expiry.Publisher. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	tr      transport.Transport
	bus     eventbus.Bus
	metrics *metrics.Metrics

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *supervisor.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time
}

var _ expiry.Publisher = (*Service)(nil)

func New(cfg Config, tr transport.Transport, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	s := &Service{
		tr:      tr,
		log:     log.With(logx.String("comp", "publisher"), logx.String("transport", tr.Name())),
		bus:     bus,
		metrics: m,
		dedup:   map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the rate limit, retry and dedup settings. Workers and queue
// size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes are not delayed.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Supervisor returns the worker supervisor, nil when not started.
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// Delivery is best-effort; a broken worker must not take the daemon down.
		supervisor.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("publisher worker exited unexpectedly")
		}, supervisor.WithPublishFirstError(true))
	}
	s.log.Info("publisher started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
}

// Stop refuses new announcements and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("publisher stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("publisher stop timed out; pending announcements dropped", logx.Int("pending", len(q)))
	}
}

// PublishAnnouncement enqueues a. It fails fast when the queue is full so a
// scheduler never blocks on a slow transport.
func (s *Service) PublishAnnouncement(ctx context.Context, a expiry.Announcement) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	env := Envelope(a)
	ev := s.event(env)
	key := dedupKey(a)
	if window > 0 && !s.dedupAllow(key, window, maxEntries) {
		s.publish(EventDeduped, ev)
		return ErrDuplicate
	}

	select {
	case q <- job{env: env, dedupKey: key}:
		s.metrics.QueueDepth(len(q))
		s.publish(EventQueued, ev)
		return nil
	default:
		ev.Error = ErrQueueFull.Error()
		s.publish(EventDropped, ev)
		s.metrics.Send(s.tr.Name(), "dropped", 0)
		return ErrQueueFull
	}
}

// Envelope converts an announcement to its wire form.
func Envelope(a expiry.Announcement) transport.Envelope {
	return transport.Envelope{
		PolicyID:      string(a.PolicyID),
		SubjectID:     string(a.Subject.ID),
		SubjectType:   a.Subject.Type,
		Offset:        a.Offset.String(),
		Expiry:        a.Expiry.UTC(),
		CorrelationID: a.CorrelationID,
		RequiresAck:   a.RequiresAck,
		IssuedAt:      a.IssuedAt.UTC(),
	}
}

func (s *Service) event(env transport.Envelope) PublishEvent {
	return PublishEvent{
		Transport:     s.tr.Name(),
		PolicyID:      env.PolicyID,
		SubjectID:     env.SubjectID,
		CorrelationID: env.CorrelationID,
	}
}

func (s *Service) publish(typ string, ev PublishEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.metrics.QueueDepth(len(q))
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	log := s.log.With(
		logx.String("policy_id", j.env.PolicyID),
		logx.String("subject_id", j.env.SubjectID),
		logx.String("correlation_id", j.env.CorrelationID),
	)
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		start := time.Now()
		err := s.tr.Send(callCtx, j.env)
		cancel()
		if err == nil {
			s.metrics.Send(s.tr.Name(), "sent", time.Since(start))
			ev := s.event(j.env)
			ev.Attempts = attempt
			s.publish(EventSent, ev)
			log.Debug("announcement sent", logx.Int("attempt", attempt))
			return
		}
		lastErr = err
		s.metrics.Send(s.tr.Name(), "error", time.Since(start))
		log.Debug("announcement send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	log.Warn("announcement not delivered", logx.Int("attempts", maxAttempts), logx.Err(lastErr))
	ev := s.event(j.env)
	ev.Attempts = maxAttempts
	ev.Error = lastErr.Error()
	s.publish(EventFailed, ev)
}

// dedupKey identifies the announcement independent of its correlation id.
func dedupKey(a expiry.Announcement) string {
	return expiry.LedgerKey(a.PolicyID, a.Subject, a.Offset)
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Over the cap, evict the entries that expire first.
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

// retryDelay is base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
