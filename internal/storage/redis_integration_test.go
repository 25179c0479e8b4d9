//go:build integration

package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lapse/pkg/logx"
)

func TestRedisStore(t *testing.T) {
	url := os.Getenv("LAPSE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LAPSE_TEST_REDIS_URL not set")
	}
	st, err := Open(Config{Driver: "redis", RedisURL: url, KeyPrefix: "lapse-test-" + time.Now().Format("150405.000")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, st.PutDedup(ctx, "k", until))
	got, ok, err := st.GetDedup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(until))

	require.NoError(t, st.PutDedup(ctx, "k", time.Now().Add(-time.Second)))
	_, ok, err = st.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Kind: "expiry.announced", PolicyID: "door"}))
}
