package expiry

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"lapse/internal/metrics"
	"lapse/pkg/logx"
)

// AckRouter maps outstanding correlation ids to the scheduler waiting for
// them. Transports call Acknowledge; unknown ids are dropped and never
// attributed to another subject.
type AckRouter struct {
	routes  *xsync.Map[string, chan<- string]
	log     logx.Logger
	metrics *metrics.Metrics
}

func NewAckRouter(log logx.Logger, m *metrics.Metrics) *AckRouter {
	return &AckRouter{
		routes:  xsync.NewMap[string, chan<- string](),
		log:     log.With(logx.String("comp", "acks")),
		metrics: m,
	}
}

func (r *AckRouter) register(correlationID string, inbox chan<- string) {
	r.routes.Store(correlationID, inbox)
}

func (r *AckRouter) release(correlationID string) {
	r.routes.Delete(correlationID)
}

// Acknowledge delivers an acknowledgement to the waiting scheduler. It
// reports false when nobody waits for correlationID.
func (r *AckRouter) Acknowledge(correlationID string) bool {
	correlationID = strings.TrimSpace(correlationID)
	inbox, ok := r.routes.Load(correlationID)
	if !ok {
		r.log.Debug("acknowledgement for unknown correlation id dropped", logx.String("correlation_id", correlationID))
		r.metrics.Ack("unknown")
		return false
	}
	select {
	case inbox <- correlationID:
		return true
	default:
		r.log.Warn("scheduler ack inbox full; acknowledgement dropped", logx.String("correlation_id", correlationID))
		r.metrics.Ack("dropped")
		return false
	}
}

// Pending returns the number of outstanding acknowledgements.
func (r *AckRouter) Pending() int { return r.routes.Size() }
