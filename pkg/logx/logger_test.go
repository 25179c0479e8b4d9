package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	require.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
	assert.False(t, Nop().IsZero())
}

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug").With(String("comp", "manager"))
	l.Debug("scheduler started", String("subject", "issuer:alice"), Duration("grace", time.Hour), Err(errors.New("boom")))

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "scheduler started", ev["message"])
	assert.Equal(t, "manager", ev["comp"])
	assert.Equal(t, "issuer:alice", ev["subject"])
	assert.Equal(t, "debug", ev["level"])
	assert.Contains(t, ev, "caller")
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelInfo))
	assert.True(t, l.Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel("warning", LevelInfo))
	assert.Equal(t, LevelTrace, ParseLevel(" trace ", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense", LevelInfo))
}
