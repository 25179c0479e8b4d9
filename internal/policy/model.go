// Package policy holds the policy model consumed by the expiry core, an
// authoritative in-memory store and a file-backed policy source.
package policy

import (
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("policy: not found")
	ErrExpiryMismatch = errors.New("policy: subject expiry changed")
	ErrInvalid        = errors.New("policy: invalid document")
)

type (
	ID        string
	SubjectID string
)

type Lifecycle string

const (
	LifecycleActive  Lifecycle = "ACTIVE"
	LifecycleDeleted Lifecycle = "DELETED"
)

// AnnouncementConfig asks for warnings ahead of expiry.
type AnnouncementConfig struct {
	// BeforeExpiry are lead times; each fires once at expiry minus offset.
	BeforeExpiry []time.Duration
	// RequestedAcks makes every warning wait for an acknowledgement.
	RequestedAcks bool
}

// Offsets returns the distinct non-negative lead times, largest first, which
// is ascending firing order.
func (a *AnnouncementConfig) Offsets() []time.Duration {
	if a == nil {
		return nil
	}
	out := make([]time.Duration, 0, len(a.BeforeExpiry))
	for _, d := range a.BeforeExpiry {
		if d >= 0 {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return slices.Compact(out)
}

// Subject is compared by value through Key.
type Subject struct {
	ID           SubjectID
	Type         string
	Expiry       *time.Time
	Announcement *AnnouncementConfig
}

func (s Subject) HasExpiry() bool { return s.Expiry != nil && !s.Expiry.IsZero() }

// ExpiresAt returns the expiry or the zero time.
func (s Subject) ExpiresAt() time.Time {
	if !s.HasExpiry() {
		return time.Time{}
	}
	return *s.Expiry
}

// Interesting reports whether the subject needs a scheduler.
func (s Subject) Interesting() bool { return s.HasExpiry() || s.Announcement != nil }

// Key identifies the subject value. A changed expiry or announcement config
// yields a different key.
func (s Subject) Key() string {
	var b strings.Builder
	b.WriteString(string(s.ID))
	b.WriteByte('|')
	b.WriteString(s.Type)
	b.WriteByte('|')
	if s.HasExpiry() {
		b.WriteString(s.Expiry.UTC().Format(time.RFC3339Nano))
	} else {
		b.WriteByte('-')
	}
	b.WriteByte('|')
	if a := s.Announcement; a != nil {
		for i, d := range a.Offsets() {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatInt(int64(d), 10))
		}
		if a.RequestedAcks {
			b.WriteString("|ack")
		}
	} else {
		b.WriteByte('-')
	}
	return b.String()
}

func (s Subject) clone() Subject {
	out := s
	if s.Expiry != nil {
		t := *s.Expiry
		out.Expiry = &t
	}
	if s.Announcement != nil {
		a := *s.Announcement
		a.BeforeExpiry = slices.Clone(s.Announcement.BeforeExpiry)
		out.Announcement = &a
	}
	return out
}

// Entry groups subjects under a label.
type Entry struct {
	Label    string
	Subjects []Subject
}

// Policy is an immutable snapshot; the store hands out clones.
type Policy struct {
	ID        ID
	Lifecycle Lifecycle
	Revision  int64
	Entries   []Entry
}

func (p *Policy) Active() bool { return p != nil && p.Lifecycle == LifecycleActive }

// InterestingSubjects returns every subject that needs a scheduler, keyed by
// Subject.Key. Policies that are not ACTIVE have none.
func InterestingSubjects(p *Policy) map[string]Subject {
	out := map[string]Subject{}
	if !p.Active() {
		return out
	}
	for _, e := range p.Entries {
		for _, s := range e.Subjects {
			if s.Interesting() {
				out[s.Key()] = s
			}
		}
	}
	return out
}

// Clone returns a deep copy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	out := &Policy{ID: p.ID, Lifecycle: p.Lifecycle, Revision: p.Revision}
	out.Entries = make([]Entry, len(p.Entries))
	for i, e := range p.Entries {
		out.Entries[i] = Entry{Label: e.Label, Subjects: make([]Subject, len(e.Subjects))}
		for j, s := range e.Subjects {
			out.Entries[i].Subjects[j] = s.clone()
		}
	}
	return out
}

// sameContent compares everything but the revision.
func sameContent(a, b *Policy) bool {
	if a.ID != b.ID || a.Lifecycle != b.Lifecycle || len(a.Entries) != len(b.Entries) {
		return false
	}
	for i := range a.Entries {
		ea, eb := a.Entries[i], b.Entries[i]
		if ea.Label != eb.Label || len(ea.Subjects) != len(eb.Subjects) {
			return false
		}
		for j := range ea.Subjects {
			if ea.Subjects[j].Key() != eb.Subjects[j].Key() {
				return false
			}
		}
	}
	return true
}
