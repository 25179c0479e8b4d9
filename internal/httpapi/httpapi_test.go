package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lapse/internal/expiry"
	"lapse/internal/metrics"
	"lapse/internal/policy"
	"lapse/internal/runtime/supervisor"
	"lapse/pkg/logx"
)

type fakeAcker struct{ known map[string]bool }

func (f fakeAcker) Acknowledge(id string) bool { return f.known[id] }

type fakeView struct{ snaps map[policy.ID]expiry.Snapshot }

func (f fakeView) Policies() []policy.ID {
	out := make([]policy.ID, 0, len(f.snaps))
	for id := range f.snaps {
		out = append(out, id)
	}
	return out
}

func (f fakeView) Snapshot(_ context.Context, id policy.ID) (expiry.Snapshot, error) {
	s, ok := f.snaps[id]
	if !ok {
		return expiry.Snapshot{}, expiry.ErrUnknownPolicy
	}
	return s, nil
}

func newTestRouter(opts Options) http.Handler {
	opts.Log = logx.Nop()
	return NewRouter(opts)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestAckRoute(t *testing.T) {
	h := newTestRouter(Options{Acks: fakeAcker{known: map[string]bool{"c-1": true}}})

	rec := do(t, h, http.MethodPost, "/v1/acks/c-1")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted"`)

	rec = do(t, h, http.MethodPost, "/v1/acks/c-2")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/acks/c-1")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPolicyRoutes(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	view := fakeView{snaps: map[policy.ID]expiry.Snapshot{
		"door": {PolicyID: "door", Revision: 3, Subjects: []expiry.SubjectStatus{
			{Handle: 1, SubjectID: "alice", Expiry: &exp, State: "Scheduled"},
		}},
	}}
	h := newTestRouter(Options{Policies: view})

	rec := do(t, h, http.MethodGet, "/v1/policies")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Policies []policy.ID `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []policy.ID{"door"}, list.Policies)

	rec = do(t, h, http.MethodGet, "/v1/policies/door/subjects")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap expiry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(3), snap.Revision)
	require.Len(t, snap.Subjects, 1)
	assert.Equal(t, policy.SubjectID("alice"), snap.Subjects[0].SubjectID)

	rec = do(t, h, http.MethodGet, "/v1/policies/window/subjects")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutesDisabledWithoutCollaborators(t *testing.T) {
	h := newTestRouter(Options{})
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/acks/c-1").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/policies").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/debug/pprof/").Code)
}

func TestHealthReportsDegradedComponents(t *testing.T) {
	health := map[string]supervisor.Snapshot{"registry": {}}
	h := newTestRouter(Options{Health: func() map[string]supervisor.Snapshot { return health }})

	rec := do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	health["publisher"] = supervisor.Snapshot{FirstError: "boom"}
	rec = do(t, h, http.MethodGet, "/healthz")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "boom", resp.Components["publisher"].FirstError)
}

func TestMetricsAndProfiler(t *testing.T) {
	m := metrics.New()
	m.ManagerStarted()
	h := newTestRouter(Options{Metrics: m.Handler(), Pprof: true})

	rec := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lapse_lifecycle_managers_active 1")

	rec = do(t, h, http.MethodGet, "/debug/pprof/cmdline")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerRunsUntilCancelled(t *testing.T) {
	srv := NewServer(newTestRouter(Options{}), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0") }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 5*time.Second, 5*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerListenError(t *testing.T) {
	srv := NewServer(newTestRouter(Options{}), logx.Nop())
	err := srv.Run(context.Background(), "256.0.0.1:bad")
	require.Error(t, err)
}
