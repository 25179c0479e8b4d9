package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lapse/pkg/clock"
	"lapse/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}

func drivers(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "file", "lapse")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "lapse.db")},
	}
}

func TestDedupRoundTrip(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k1", until))
			require.NoError(t, st.PutDedup(ctx, "old", time.Now().Add(-time.Minute)))

			got, ok, err := st.GetDedup(ctx, "k1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(until))

			_, ok, err = st.GetDedup(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			n, err := st.PruneDedup(ctx, time.Now())
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, ok, _ = st.GetDedup(ctx, "old")
			assert.False(t, ok)
			require.NoError(t, st.Close())

			// Entries survive a reopen.
			st, err = Open(cfg, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			got, ok, err = st.GetDedup(ctx, "k1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(until))
		})
	}
}

func TestFileAuditIsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lapse")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Kind: "expiry.announced", PolicyID: "door", SubjectID: "alice", Offset: "1h0m0s"}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Kind: "expiry.removal_issued", PolicyID: "door", SubjectID: "alice"}))
	require.NoError(t, st.Close())
	require.ErrorIs(t, st.AppendAudit(ctx, AuditEntry{}), errClosed)

	f, err := os.Open(path + ".audit.jsonl")
	require.NoError(t, err)
	defer f.Close()
	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{"expiry.announced", "expiry.removal_issued"}, kinds)
}

func TestFileJournalSurvivesTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lapse")
	until := time.Now().Add(time.Hour).UnixMilli()
	line, err := json.Marshal(journalRecord{Key: "k", Until: until})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+".ledger.journal.jsonl", append(append(line, '\n'), []byte(`{"key":"tor`)...), 0o600))

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, ok, err := st.GetDedup(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteAudit(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Kind: "expiry.ack_overdue", PolicyID: "door", CorrelationID: "c"}))
	n, err := st.(*sqliteStore).auditCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLedgerHonoursRetention(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "lapse")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now()
	c := clock.Fake(now)
	l := NewLedger(st, c)
	ctx := context.Background()

	ok, err := l.WasAnnounced(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.MarkAnnounced(ctx, "k", now.Add(time.Hour)))
	ok, err = l.WasAnnounced(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	c.Advance(2 * time.Hour)
	ok, err = l.WasAnnounced(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
