package expiry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"lapse/internal/policy"
	"lapse/internal/runtime/supervisor"
	"lapse/pkg/logx"
)

// Registry owns one Manager per policy. Managers are created on the first
// update that carries interesting subjects and stopped when their policy is
// deleted.
type Registry struct {
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	cfg      Config
	managers map[policy.ID]*managerEntry
	// retiring holds Managers of deleted policies until they finished, so a
	// recreated policy never overlaps with its predecessor.
	retiring map[policy.ID]*Manager
	sup      *supervisor.Supervisor
}

type managerEntry struct {
	m      *Manager
	cancel context.CancelFunc
}

func NewRegistry(cfg Config, deps Deps) *Registry {
	deps = deps.withDefaults()
	return &Registry{
		deps:     deps,
		log:      deps.Log.With(logx.String("comp", "registry")),
		cfg:      cfg.WithDefaults(),
		managers: map[policy.ID]*managerEntry{},
		retiring: map[policy.ID]*Manager{},
	}
}

// Acks returns the router shared by every Manager.
func (r *Registry) Acks() *AckRouter { return r.deps.Acks }

// SetConfig applies to Managers created afterwards.
func (r *Registry) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.WithDefaults()
	r.mu.Unlock()
}

// Run consumes updates until ctx is done or updates is closed, then stops
// every Manager and waits for them.
func (r *Registry) Run(ctx context.Context, updates <-chan policy.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	r.mu.Lock()
	r.sup = sup
	r.mu.Unlock()

	defer func() {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		r.mu.Lock()
		r.managers = map[policy.ID]*managerEntry{}
		r.retiring = map[policy.ID]*Manager{}
		r.mu.Unlock()
		r.log.Debug("registry stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := r.Apply(ctx, u); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("policy update not applied", logx.Err(err))
			}
		}
	}
}

// Apply routes one update. It must only be called while Run is active.
func (r *Registry) Apply(ctx context.Context, u policy.Update) error {
	if u.Policy == nil {
		return errors.New("expiry: update without policy")
	}
	id := u.Policy.ID

	if u.Deleted {
		r.retire(id)
		return nil
	}

	r.mu.Lock()
	e := r.managers[id]
	if e != nil {
		select {
		case <-e.m.Done():
			// Manager died on its own; rebuild it from this version.
			delete(r.managers, id)
			e = nil
		default:
		}
	}
	r.mu.Unlock()

	if e == nil {
		if len(policy.InterestingSubjects(u.Policy)) == 0 {
			return nil
		}
		var err error
		if e, err = r.start(ctx, id); err != nil {
			return err
		}
	}
	return e.m.PolicyUpdated(ctx, u.Policy)
}

func (r *Registry) start(ctx context.Context, id policy.ID) (*managerEntry, error) {
	r.mu.Lock()
	old := r.retiring[id]
	r.mu.Unlock()
	if old != nil {
		select {
		case <-old.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup == nil {
		return nil, errors.New("expiry: registry not running")
	}
	m := NewManager(id, r.cfg, r.deps)
	mctx, cancel := context.WithCancel(r.sup.Context())
	e := &managerEntry{m: m, cancel: cancel}
	r.managers[id] = e
	r.sup.Go("manager:"+string(id), func(context.Context) error {
		defer cancel()
		defer func() {
			r.mu.Lock()
			if r.retiring[id] == m {
				delete(r.retiring, id)
			}
			r.mu.Unlock()
		}()
		return m.Run(mctx)
	})
	r.log.Info("lifecycle manager started", logx.String("policy_id", string(id)))
	return e, nil
}

func (r *Registry) retire(id policy.ID) {
	r.mu.Lock()
	e := r.managers[id]
	if e != nil {
		delete(r.managers, id)
		r.retiring[id] = e.m
	}
	r.mu.Unlock()
	if e == nil {
		return
	}
	e.cancel()
	r.log.Info("lifecycle manager stopped", logx.String("policy_id", string(id)))
}

// Manager returns the Manager of id, if any.
func (r *Registry) Manager(id policy.ID) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.managers[id]
	if !ok {
		return nil, false
	}
	return e.m, true
}

// Snapshot returns the tracked subjects of policy id.
func (r *Registry) Snapshot(ctx context.Context, id policy.ID) (Snapshot, error) {
	m, ok := r.Manager(id)
	if !ok {
		return Snapshot{}, ErrUnknownPolicy
	}
	return m.Snapshot(ctx)
}

// Policies lists the ids with a live Manager.
func (r *Registry) Policies() []policy.ID {
	r.mu.Lock()
	out := make([]policy.ID, 0, len(r.managers))
	for id := range r.managers {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Health reports supervisor counters of the Manager goroutines.
func (r *Registry) Health() supervisor.Snapshot {
	r.mu.Lock()
	sup := r.sup
	r.mu.Unlock()
	return sup.Snapshot()
}
