// Package forwarder delivers RemoveSubject commands to the owner of the
// policy: the in-process store, or a remote policy service over HTTP.
package forwarder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lapse/internal/expiry"
	"lapse/internal/policy"
	"lapse/pkg/logx"
)

const (
	ModeLocal = "local"
	ModeHTTP  = "http"
)

type Config struct {
	Mode string
	HTTP HTTPConfig
}

// New returns the forwarder selected by cfg.Mode.
func New(cfg Config, store *policy.Store, log logx.Logger) (expiry.Forwarder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeLocal:
		if store == nil {
			return nil, fmt.Errorf("forwarder: local mode needs a policy store")
		}
		return NewLocal(store, log), nil
	case ModeHTTP:
		return NewHTTP(cfg.HTTP, log)
	default:
		return nil, fmt.Errorf("forwarder: unknown mode %q", cfg.Mode)
	}
}

// Local applies removals to the authoritative in-memory store. The store
// publishes the new policy version, which the registry routes back to the
// Manager.
type Local struct {
	store *policy.Store
	log   logx.Logger
}

func NewLocal(store *policy.Store, log logx.Logger) *Local {
	return &Local{store: store, log: log.With(logx.String("comp", "forwarder.local"))}
}

func (l *Local) RemoveSubject(ctx context.Context, cmd expiry.RemoveSubject) error {
	start := time.Now()
	err := l.store.RemoveSubject(ctx, cmd.PolicyID, cmd.SubjectID, cmd.Expiry)
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", cmd.SubjectID, cmd.PolicyID, err)
	}
	l.log.Debug("removal applied",
		logx.String("policy_id", string(cmd.PolicyID)),
		logx.String("subject_id", string(cmd.SubjectID)),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}
