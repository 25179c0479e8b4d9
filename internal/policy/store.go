package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lapse/pkg/logx"
)

// Update is one published policy version. Deleted marks removal of the
// policy entity itself; Policy then carries lifecycle DELETED.
type Update struct {
	Policy  *Policy
	Deleted bool
}

// Store is the authoritative in-memory policy store. Every change is
// published to subscribers in commit order.
type Store struct {
	// pubMu serializes mutate+publish so subscribers observe commit order.
	pubMu sync.Mutex

	mu       sync.RWMutex
	policies map[ID]*Policy
	// removed holds subject values already removed by command, so a source
	// re-read does not resurrect them. Keyed by policy then tombstoneKey.
	removed  map[ID]map[string]struct{}
	revision int64

	subsMu sync.Mutex
	subs   map[*subscription]struct{}

	log logx.Logger
}

type subscription struct {
	ch   chan Update
	done chan struct{}
	once sync.Once
}

func NewStore(log logx.Logger) *Store {
	return &Store{
		policies: map[ID]*Policy{},
		removed:  map[ID]map[string]struct{}{},
		subs:     map[*subscription]struct{}{},
		log:      log.With(logx.String("comp", "policy.store")),
	}
}

// Subscribe returns a channel of updates and a cancel func. Delivery blocks
// while the buffer is full, so consumers must keep reading until cancel.
func (s *Store) Subscribe(buffer int) (<-chan Update, func()) {
	sub := &subscription{ch: make(chan Update, buffer), done: make(chan struct{})}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	return sub.ch, func() {
		sub.once.Do(func() { close(sub.done) })
		s.subsMu.Lock()
		delete(s.subs, sub)
		s.subsMu.Unlock()
	}
}

func (s *Store) publish(u Update) {
	s.subsMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- u:
		case <-sub.done:
		}
	}
}

// Put stores p and publishes it. Unchanged content is not republished.
// The returned bool reports whether a new revision was committed.
func (s *Store) Put(p *Policy) (*Policy, bool, error) {
	if p == nil || p.ID == "" {
		return nil, false, fmt.Errorf("%w: missing id", ErrInvalid)
	}
	in := p.Clone()
	if in.Lifecycle == "" {
		in.Lifecycle = LifecycleActive
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	s.applyTombstones(in)
	if cur, ok := s.policies[in.ID]; ok && sameContent(cur, in) {
		s.mu.Unlock()
		return cur.Clone(), false, nil
	}
	s.revision++
	in.Revision = s.revision
	s.policies[in.ID] = in
	out := in.Clone()
	s.mu.Unlock()

	s.log.Debug("policy stored", logx.String("policy_id", string(in.ID)), logx.Int64("revision", in.Revision))
	s.publish(Update{Policy: out.Clone()})
	return out, true, nil
}

// applyTombstones drops removed subject values from p and forgets
// tombstones that p no longer mentions. Caller holds s.mu.
func (s *Store) applyTombstones(p *Policy) {
	stones := s.removed[p.ID]
	if len(stones) == 0 {
		return
	}
	seen := map[string]struct{}{}
	for i := range p.Entries {
		kept := p.Entries[i].Subjects[:0]
		for _, sub := range p.Entries[i].Subjects {
			k := tombstoneKey(sub.ID, sub.ExpiresAt())
			if _, gone := stones[k]; gone {
				seen[k] = struct{}{}
				continue
			}
			kept = append(kept, sub)
		}
		p.Entries[i].Subjects = kept
	}
	for k := range stones {
		if _, ok := seen[k]; !ok {
			delete(stones, k)
		}
	}
	if len(stones) == 0 {
		delete(s.removed, p.ID)
	}
}

func tombstoneKey(id SubjectID, expiry time.Time) string {
	return string(id) + "|" + expiry.UTC().Format(time.RFC3339Nano)
}

// Delete removes the policy entity and publishes a DELETED version.
func (s *Store) Delete(id ID) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if _, ok := s.policies[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.policies, id)
	delete(s.removed, id)
	s.revision++
	gone := &Policy{ID: id, Lifecycle: LifecycleDeleted, Revision: s.revision}
	s.mu.Unlock()

	s.log.Debug("policy deleted", logx.String("policy_id", string(id)))
	s.publish(Update{Policy: gone, Deleted: true})
	return nil
}

// RemoveSubject removes subjectID from every entry of the policy, but only
// where the stored expiry still equals expiry. A subject whose expiry was
// changed meanwhile is left alone and ErrExpiryMismatch is returned.
func (s *Store) RemoveSubject(ctx context.Context, id ID, subjectID SubjectID, expiry time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	cur, ok := s.policies[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	found, removed := 0, 0
	for i := range next.Entries {
		kept := next.Entries[i].Subjects[:0]
		for _, sub := range next.Entries[i].Subjects {
			if sub.ID != subjectID {
				kept = append(kept, sub)
				continue
			}
			found++
			if sub.ExpiresAt().Equal(expiry) {
				removed++
				continue
			}
			kept = append(kept, sub)
		}
		next.Entries[i].Subjects = kept
	}
	switch {
	case found == 0:
		s.mu.Unlock()
		return fmt.Errorf("%w: subject %s in %s", ErrNotFound, subjectID, id)
	case removed == 0:
		s.mu.Unlock()
		return fmt.Errorf("%w: subject %s in %s", ErrExpiryMismatch, subjectID, id)
	}

	if s.removed[id] == nil {
		s.removed[id] = map[string]struct{}{}
	}
	s.removed[id][tombstoneKey(subjectID, expiry)] = struct{}{}
	s.revision++
	next.Revision = s.revision
	s.policies[id] = next
	out := next.Clone()
	s.mu.Unlock()

	s.log.Info("subject removed",
		logx.String("policy_id", string(id)),
		logx.String("subject_id", string(subjectID)),
		logx.Time("expiry", expiry),
	)
	s.publish(Update{Policy: out})
	return nil
}

// Replay republishes every stored policy at its current revision.
func (s *Store) Replay() int {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	all := s.List()
	for _, p := range all {
		s.publish(Update{Policy: p})
	}
	return len(all)
}

func (s *Store) Get(id ID) (*Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// List returns clones ordered by id.
func (s *Store) List() []*Policy {
	s.mu.RLock()
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsNotFound reports whether err means the policy or subject is gone.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
