package expiry

import (
	"context"
	"fmt"
	"sort"

	"lapse/internal/policy"
)

// child is the Manager's view of one running scheduler.
type child struct {
	handle  Handle
	key     string
	subject policy.Subject
	sched   *scheduler
	cancel  context.CancelCauseFunc
	// deleting is set once SubjectDeleted was sent.
	deleting bool
}

// tracking keeps subject key -> child and handle -> subject key as exact
// inverses. Only insert and remove mutate them.
type tracking struct {
	bySubject map[string]*child
	byHandle  map[Handle]string
}

func newTracking() *tracking {
	return &tracking{bySubject: map[string]*child{}, byHandle: map[Handle]string{}}
}

func (t *tracking) insert(c *child) error {
	if _, ok := t.bySubject[c.key]; ok {
		return fmt.Errorf("subject %q already tracked", c.key)
	}
	if _, ok := t.byHandle[c.handle]; ok {
		return fmt.Errorf("handle %d already tracked", c.handle)
	}
	t.bySubject[c.key] = c
	t.byHandle[c.handle] = c.key
	return nil
}

func (t *tracking) lookup(key string) (*child, bool) {
	c, ok := t.bySubject[key]
	return c, ok
}

// remove drops both entries of handle h.
func (t *tracking) remove(h Handle) (*child, bool) {
	key, ok := t.byHandle[h]
	if !ok {
		return nil, false
	}
	c := t.bySubject[key]
	delete(t.byHandle, h)
	delete(t.bySubject, key)
	return c, true
}

func (t *tracking) len() int { return len(t.bySubject) }

// children returns the tracked children ordered by handle.
func (t *tracking) children() []*child {
	out := make([]*child, 0, len(t.bySubject))
	for _, c := range t.bySubject {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

// check verifies the two maps are inverses of each other.
func (t *tracking) check() error {
	if len(t.bySubject) != len(t.byHandle) {
		return fmt.Errorf("tracking sizes differ: %d subjects, %d handles", len(t.bySubject), len(t.byHandle))
	}
	for h, key := range t.byHandle {
		c, ok := t.bySubject[key]
		if !ok || c.handle != h {
			return fmt.Errorf("handle %d does not map back from %q", h, key)
		}
	}
	return nil
}

// setDifference returns the keys of a missing from b, sorted.
func setDifference[A, B any](a map[string]A, b map[string]B) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
