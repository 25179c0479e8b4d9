// Package app wires the daemon: configuration, logging, storage, the
// announcement pipeline, the policy source, the expiry registry and the HTTP
// API, all under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"lapse/internal/config"
	"lapse/internal/eventbus"
	"lapse/internal/expiry"
	"lapse/internal/forwarder"
	"lapse/internal/httpapi"
	"lapse/internal/metrics"
	"lapse/internal/policy"
	"lapse/internal/publisher"
	"lapse/internal/runtime/supervisor"
	"lapse/internal/storage"
	"lapse/internal/transport"
	"lapse/pkg/clock"
	"lapse/pkg/logx"
)

// updateBuffer sizes the registry's subscription to the policy store. Store
// delivery blocks when it is full.
const updateBuffer = 1024

type App struct {
	cfgm    *config.Manager
	cfg     *config.Config
	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	clock   clock.Clock

	store  storage.Store
	ledger expiry.Ledger
	prune  func(ctx context.Context) (int, error)

	tr       transport.Transport
	pub      *publisher.Service
	policies *policy.Store
	source   *policy.FileSource
	registry *expiry.Registry
	maint    *maintenance
	http     *httpapi.Server

	sup *supervisor.Supervisor
}

// New loads the config at cfgPath and connects storage and the transport.
// Nothing runs until Run.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logs, root := logx.NewService(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		clock:   clock.Real(),
	}
	if err := a.connect(ctx, root); err != nil {
		_ = logs.Close()
		return nil, err
	}
	if err := a.build(root); err != nil {
		a.closeIO()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

// Check loads the config at cfgPath and runs every check New runs, without
// opening storage or the transport.
func Check(cfgPath string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	return validate(cfg)
}

// connect opens storage and the transport concurrently; both may dial.
func (a *App) connect(ctx context.Context, root logx.Logger) error {
	sc, storeEnabled, err := mapStorageConfig(a.cfg)
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	var (
		st storage.Store
		tr transport.Transport
	)
	if storeEnabled {
		g.Go(func() error {
			s, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			st = s
			return nil
		})
	}
	g.Go(func() error {
		t, err := openTransport(a.cfg, root.With(logx.String("comp", "transport")))
		if err != nil {
			return fmt.Errorf("open transport: %w", err)
		}
		tr = t
		return nil
	})
	err = g.Wait()
	a.store, a.tr = st, tr
	if err != nil {
		a.closeIO()
		return err
	}

	if st != nil {
		l := storage.NewLedger(st, a.clock)
		a.ledger, a.prune = l, l.Prune
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		l := expiry.NewMemoryLedger(a.clock)
		a.ledger = l
		a.prune = func(context.Context) (int, error) { return l.Prune(), nil }
	}
	return nil
}

func (a *App) build(root logx.Logger) error {
	pcfg, err := mapPublisherConfig(a.cfg)
	if err != nil {
		return err
	}
	a.pub = publisher.New(pcfg, a.tr, root.With(logx.String("comp", "publisher")), a.bus, a.metrics)

	a.policies = policy.NewStore(root)
	a.source = policy.NewFileSource(a.cfg.PolicyDir(), a.policies, root)

	fcfg, err := mapForwarderConfig(a.cfg)
	if err != nil {
		return err
	}
	fwd, err := forwarder.New(fcfg, a.policies, root.With(logx.String("comp", "forwarder")))
	if err != nil {
		return err
	}

	ecfg, err := mapExpiryConfig(a.cfg)
	if err != nil {
		return err
	}
	a.registry = expiry.NewRegistry(ecfg, expiry.Deps{
		Publisher: a.pub,
		Forwarder: fwd,
		Ledger:    a.ledger,
		Acks:      expiry.NewAckRouter(root, a.metrics),
		Clock:     a.clock,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Log:       root,
	})
	a.maint = newMaintenance(root, a.resync, a.pruneLedger)

	if a.cfg.HTTP.Enabled {
		a.http = httpapi.NewServer(httpapi.NewRouter(httpapi.Options{
			Acks:     a.registry.Acks(),
			Policies: a.registry,
			Health:   a.Health,
			Metrics:  a.metrics.Handler(),
			Pprof:    a.cfg.HTTP.Pprof,
			Log:      root,
		}), root)
	}
	return nil
}

// Registry exposes the expiry registry.
func (a *App) Registry() *expiry.Registry { return a.registry }

// Policies exposes the authoritative policy store.
func (a *App) Policies() *policy.Store { return a.policies }

// HTTPAddr reports the bound API address, empty when disabled or not yet
// listening.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Health returns supervisor snapshots of the long-running components.
func (a *App) Health() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{
		"registry": a.registry.Health(),
	}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.pub.Supervisor(); sup != nil {
		out["publisher"] = sup.Snapshot()
	}
	return out
}

// Run starts every component and blocks until ctx is done or a component
// fails. The returned error is the first failure, nil on a clean stop.
// ready, when non-nil, is called once the initial policy load is done.
func (a *App) Run(ctx context.Context, ready func()) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// The publisher outlives the run context so Stop can drain it.
	pubCtx, pubCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer pubCancel()
	a.pub.Start(pubCtx)

	updates, unsub := a.policies.Subscribe(updateBuffer)
	a.sup.Go("registry", func(c context.Context) error {
		return a.registry.Run(c, updates)
	})
	// Stop accepting store updates before the registry waits for its
	// Managers, so a scheduler blocked on a removal can finish.
	a.sup.Go0("registry.unsubscribe", func(c context.Context) {
		<-c.Done()
		unsub()
	})

	res, err := a.source.Load(runCtx)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			a.sup.Cancel()
			_ = a.shutdown()
			return err
		}
		a.log.Warn("policy directory missing; waiting for it to appear", logx.String("dir", a.cfg.PolicyDir()))
	} else {
		a.log.Info("policies loaded",
			logx.Int("loaded", res.Loaded),
			logx.Int("failed", res.Failed),
		)
	}

	a.sup.GoRestart("policy.watch", a.source.Watch)

	if src, ok := a.tr.(transport.AckSource); ok {
		acks := a.registry.Acks()
		a.sup.GoRestart("acks."+a.tr.Name(), func(c context.Context) error {
			return src.ListenAcks(c, acks.Acknowledge)
		})
	}

	a.startEventConsumers()

	if err := a.maint.Start(runCtx, a.cfg.Policies.Resync); err != nil {
		a.sup.Cancel()
		_ = a.shutdown()
		return err
	}

	a.startConfigReload()

	if a.http != nil {
		addr := a.cfg.HTTPAddr()
		a.sup.Go("http", func(c context.Context) error { return a.http.Run(c, addr) })
	}

	a.log.Info("app started", logx.String("transport", a.tr.Name()))
	if ready != nil {
		ready()
	}

	<-runCtx.Done()
	return a.shutdown()
}

func (a *App) startEventConsumers() {
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, expiry.EventPrefix)
		auditLog := a.log.With(logx.String("comp", "audit"))
		a.sup.Go0("audit", func(c context.Context) {
			defer unsub()
			runAudit(c, events, a.store, auditLog)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) resync(ctx context.Context) {
	res, err := a.source.Load(ctx)
	if err != nil {
		a.log.Warn("policy resync failed", logx.Err(err))
		return
	}
	n := a.policies.Replay()
	a.log.Info("policy resync done",
		logx.Int("changed", res.Changed),
		logx.Int("deleted", res.Deleted),
		logx.Int("replayed", n),
	)
}

func (a *App) pruneLedger(ctx context.Context) {
	n, err := a.prune(ctx)
	if err != nil {
		a.log.Warn("ledger prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Debug("ledger pruned", logx.Int("removed", n))
	}
}

func (a *App) startConfigReload() {
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
}

// applyConfig pushes the live sections of newCfg to the running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if ecfg, err := mapExpiryConfig(newCfg); err != nil {
		a.log.Warn("invalid announcements config; keeping previous", logx.Err(err))
	} else {
		a.registry.SetConfig(ecfg)
	}
	// Rate, retry and dedup settings apply live; the transport does not.
	if pcfg, err := mapPublisherConfig(newCfg); err != nil {
		a.log.Warn("invalid publisher config; keeping previous", logx.Err(err))
	} else {
		a.pub.Apply(pcfg)
	}
	if err := a.maint.SetResync(newCfg.Policies.Resync); err != nil {
		a.log.Warn("invalid policies.resync; keeping previous", logx.Err(err))
	}

	if len(ch.Restart) > 0 {
		a.log.Warn("config sections changed that only apply after a restart", ch.Fields()...)
	}
	a.log.Info("config reloaded", ch.Fields()...)
}

// shutdown waits for the supervised components, then drains the publisher
// and closes I/O. Call it after the run context is canceled.
func (a *App) shutdown() error {
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(ctx context.Context)) {
		ctx, cancel := context.WithTimeout(context.Background(), max)
		defer cancel()
		start := time.Now()
		fn(ctx)
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("supervisor", 10*time.Second, func(ctx context.Context) {
		select {
		case <-a.sup.Done():
		case <-ctx.Done():
			a.log.Warn("components still running after deadline", logx.Any("counters", a.sup.Counters()))
		}
	})
	step("publisher", 5*time.Second, a.pub.Stop)
	a.closeIO()

	err := a.sup.Err()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) closeIO() {
	if a.tr != nil {
		if err := a.tr.Close(); err != nil {
			a.log.Warn("transport close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}
