package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ManagerStarted()
	m.SchedulerStopped("completed")
	m.Ack("matched")
	m.Send("log", "ok", time.Millisecond)
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.SchedulerStarted()
	m.SchedulerStarted()
	m.SchedulerStopped("deleted")
	m.Announcement("published")
	m.AckOverdue()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerStops.WithLabelValues("deleted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcksOverdue))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "lapse_announcements_total")
	assert.Contains(t, string(body), "lapse_subject_schedulers_active 1")
}
