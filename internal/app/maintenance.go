package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lapse/internal/config"
	"lapse/pkg/logx"
)

// ledgerPruneSpec runs the ledger cleanup. Entries expire on their own; the
// prune only bounds the storage footprint.
const ledgerPruneSpec = "@every 1h"

// maintenance owns the cron jobs of the daemon: the periodic policy resync
// and the ledger prune. The resync schedule follows config reloads.
type maintenance struct {
	log    logx.Logger
	c      *cron.Cron
	resync func(ctx context.Context)
	prune  func(ctx context.Context)

	mu         sync.Mutex
	ctx        context.Context
	resyncSpec string
	resyncID   cron.EntryID
}

func newMaintenance(log logx.Logger, resync, prune func(ctx context.Context)) *maintenance {
	return &maintenance{
		log:    log.With(logx.String("comp", "maintenance")),
		c:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		resync: resync,
		prune:  prune,
	}
}

// Start schedules the jobs and runs them until ctx is done.
func (m *maintenance) Start(ctx context.Context, resyncSpec string) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	if m.prune != nil {
		sched, err := config.ParseSchedule(ledgerPruneSpec)
		if err != nil {
			return err
		}
		m.c.Schedule(sched, cron.FuncJob(func() { m.prune(ctx) }))
	}
	if err := m.SetResync(resyncSpec); err != nil {
		return err
	}
	m.c.Start()
	go func() {
		<-ctx.Done()
		<-m.c.Stop().Done()
	}()
	return nil
}

// SetResync replaces the resync schedule. An empty spec disables it.
func (m *maintenance) SetResync(spec string) error {
	spec = strings.TrimSpace(spec)
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec == m.resyncSpec && (spec == "" || m.resyncID != 0) {
		return nil
	}
	var sched cron.Schedule
	if spec != "" {
		var err error
		if sched, err = config.ParseSchedule(spec); err != nil {
			return err
		}
	}
	if m.resyncID != 0 {
		m.c.Remove(m.resyncID)
		m.resyncID = 0
	}
	m.resyncSpec = spec
	if spec == "" {
		m.log.Info("policy resync disabled")
		return nil
	}
	ctx := m.ctx
	m.resyncID = m.c.Schedule(sched, cron.FuncJob(func() { m.resync(ctx) }))
	m.log.Info("policy resync scheduled", logx.String("spec", spec), logx.Time("next", sched.Next(time.Now())))
	return nil
}
