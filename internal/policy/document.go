package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Documents are YAML (JSON is accepted as a YAML subset):
//
//	id: org.acme:door
//	lifecycle: ACTIVE
//	entries:
//	  operators:
//	    subjects:
//	      "oidc:alice":
//	        type: user
//	        expiry: 2026-10-20T10:00:00Z
//	        announcement:
//	          beforeExpiry: [1h, 5m]
//	          requestedAcks: true
type document struct {
	ID        string              `yaml:"id"`
	Lifecycle string              `yaml:"lifecycle"`
	Entries   map[string]entryDoc `yaml:"entries"`
}

type entryDoc struct {
	Subjects map[string]subjectDoc `yaml:"subjects"`
}

type subjectDoc struct {
	Type         string           `yaml:"type"`
	Expiry       string           `yaml:"expiry"`
	Announcement *announcementDoc `yaml:"announcement"`
}

type announcementDoc struct {
	BeforeExpiry  []string `yaml:"beforeExpiry"`
	RequestedAcks bool     `yaml:"requestedAcks"`
}

// Parse decodes one policy document. name supplies the policy id when the
// document has none (file name without extension).
func Parse(name string, data []byte) (*Policy, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: empty document", ErrInvalid, name)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}

	id := strings.TrimSpace(doc.ID)
	if id == "" {
		base := filepath.Base(name)
		id = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if id == "" {
		return nil, fmt.Errorf("%w: %s: missing id", ErrInvalid, name)
	}

	p := &Policy{ID: ID(id), Lifecycle: LifecycleActive}
	switch Lifecycle(strings.ToUpper(strings.TrimSpace(doc.Lifecycle))) {
	case "", LifecycleActive:
	case LifecycleDeleted:
		p.Lifecycle = LifecycleDeleted
	default:
		return nil, fmt.Errorf("%w: %s: unknown lifecycle %q", ErrInvalid, name, doc.Lifecycle)
	}

	for _, label := range sortedKeys(doc.Entries) {
		e := Entry{Label: label}
		subjects := doc.Entries[label].Subjects
		for _, sid := range sortedKeys(subjects) {
			s, err := parseSubject(SubjectID(sid), subjects[sid])
			if err != nil {
				return nil, fmt.Errorf("%w: %s: entry %q: %v", ErrInvalid, name, label, err)
			}
			e.Subjects = append(e.Subjects, s)
		}
		p.Entries = append(p.Entries, e)
	}
	return p, nil
}

func parseSubject(id SubjectID, d subjectDoc) (Subject, error) {
	s := Subject{ID: id, Type: strings.TrimSpace(d.Type)}
	if raw := strings.TrimSpace(d.Expiry); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Subject{}, fmt.Errorf("subject %q: expiry: %v", id, err)
		}
		s.Expiry = &t
	}
	if a := d.Announcement; a != nil {
		cfg := &AnnouncementConfig{RequestedAcks: a.RequestedAcks}
		for _, raw := range a.BeforeExpiry {
			off, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return Subject{}, fmt.Errorf("subject %q: beforeExpiry %q: %v", id, raw, err)
			}
			if off < 0 {
				return Subject{}, fmt.Errorf("subject %q: beforeExpiry %q must be >= 0", id, raw)
			}
			cfg.BeforeExpiry = append(cfg.BeforeExpiry, off)
		}
		s.Announcement = cfg
	}
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
