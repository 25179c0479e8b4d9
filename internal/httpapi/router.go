// Package httpapi serves acknowledgements, introspection and metrics over
// HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lapse/internal/expiry"
	"lapse/internal/policy"
	"lapse/internal/runtime/supervisor"
	"lapse/pkg/logx"
)

type Acker interface {
	Acknowledge(correlationID string) bool
}

type PolicyView interface {
	Policies() []policy.ID
	Snapshot(ctx context.Context, id policy.ID) (expiry.Snapshot, error)
}

// Options wires the router. Nil collaborators disable their routes.
type Options struct {
	Acks     Acker
	Policies PolicyView
	// Health returns supervisor snapshots by component name.
	Health  func() map[string]supervisor.Snapshot
	Metrics http.Handler
	Pprof   bool
	Log     logx.Logger
}

type handler struct {
	opts Options
	log  logx.Logger
}

func NewRouter(opts Options) http.Handler {
	h := &handler{opts: opts, log: opts.Log.With(logx.String("comp", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		if opts.Acks != nil {
			r.Post("/acks/{correlationID}", h.ack)
		}
		if opts.Policies != nil {
			r.Get("/policies", h.listPolicies)
			r.Get("/policies/{policyID}/subjects", h.subjects)
		}
	})
	return r
}

func (h *handler) ack(w http.ResponseWriter, r *http.Request) {
	corr := strings.TrimSpace(chi.URLParam(r, "correlationID"))
	if corr == "" {
		writeError(w, http.StatusBadRequest, "correlation id is required")
		return
	}
	if !h.opts.Acks.Acknowledge(corr) {
		writeError(w, http.StatusNotFound, "no announcement is waiting for this acknowledgement")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": corr, "status": "accepted"})
}

func (h *handler) listPolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": h.opts.Policies.Policies()})
}

func (h *handler) subjects(w http.ResponseWriter, r *http.Request) {
	id := policy.ID(chi.URLParam(r, "policyID"))
	snap, err := h.opts.Policies.Snapshot(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, expiry.ErrUnknownPolicy), errors.Is(err, expiry.ErrManagerStopped):
		writeError(w, http.StatusNotFound, "policy is not tracked")
	default:
		h.log.Warn("snapshot failed", logx.String("policy_id", string(id)), logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

type healthResponse struct {
	Status     string                         `json:"status"`
	Components map[string]supervisor.Snapshot `json:"components,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.opts.Health != nil {
		resp.Components = h.opts.Health()
	}
	for _, c := range resp.Components {
		if c.FirstError != "" {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
