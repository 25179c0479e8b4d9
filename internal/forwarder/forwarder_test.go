package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lapse/internal/expiry"
	"lapse/internal/policy"
	"lapse/pkg/logx"
)

var expiresAt = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func command() expiry.RemoveSubject {
	return expiry.RemoveSubject{PolicyID: "door", SubjectID: "alice", Expiry: expiresAt, IssuedAt: expiresAt}
}

func TestLocalRemovesFromStore(t *testing.T) {
	store := policy.NewStore(logx.Nop())
	exp := expiresAt
	_, _, err := store.Put(&policy.Policy{ID: "door", Lifecycle: policy.LifecycleActive, Entries: []policy.Entry{{
		Label:    "ops",
		Subjects: []policy.Subject{{ID: "alice", Expiry: &exp}, {ID: "bob"}},
	}}})
	require.NoError(t, err)

	fwd, err := New(Config{}, store, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, fwd.RemoveSubject(context.Background(), command()))

	p, ok := store.Get("door")
	require.True(t, ok)
	require.Len(t, p.Entries[0].Subjects, 1)
	assert.Equal(t, policy.SubjectID("bob"), p.Entries[0].Subjects[0].ID)

	err = fwd.RemoveSubject(context.Background(), command())
	require.ErrorIs(t, err, policy.ErrNotFound)
}

func TestLocalRefusesRenewedSubject(t *testing.T) {
	store := policy.NewStore(logx.Nop())
	renewed := expiresAt.Add(24 * time.Hour)
	_, _, err := store.Put(&policy.Policy{ID: "door", Lifecycle: policy.LifecycleActive, Entries: []policy.Entry{{
		Subjects: []policy.Subject{{ID: "alice", Expiry: &renewed}},
	}}})
	require.NoError(t, err)

	err = NewLocal(store, logx.Nop()).RemoveSubject(context.Background(), command())
	require.ErrorIs(t, err, policy.ErrExpiryMismatch)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Mode: "carrier-pigeon"}, nil, logx.Nop())
	require.Error(t, err)
	_, err = New(Config{Mode: ModeLocal}, nil, logx.Nop())
	require.Error(t, err)
	_, err = New(Config{Mode: ModeHTTP}, nil, logx.Nop())
	require.Error(t, err)
}

func TestHTTPPostsCommand(t *testing.T) {
	var got RemovalRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	fwd, err := NewHTTP(HTTPConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, fwd.RemoveSubject(context.Background(), command()))
	assert.Equal(t, "door", got.PolicyID)
	assert.Equal(t, "alice", got.SubjectID)
	assert.True(t, got.Expiry.Equal(expiresAt))
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	fwd, err := NewHTTP(HTTPConfig{URL: srv.URL, RetryMax: 3, RetryBase: time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, fwd.RemoveSubject(context.Background(), command()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "expiry changed", http.StatusConflict)
	}))
	t.Cleanup(srv.Close)

	fwd, err := NewHTTP(HTTPConfig{URL: srv.URL, RetryMax: 3, RetryBase: time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	err = fwd.RemoveSubject(context.Background(), command())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409: expiry changed")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	fwd, err := NewHTTP(HTTPConfig{URL: srv.URL, RetryMax: 1, RetryBase: time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	err = fwd.RemoveSubject(context.Background(), command())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}
