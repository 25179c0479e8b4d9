package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestEmptyConfigUsesAnnouncementDefaults(t *testing.T) {
	for _, name := range []string{"empty.yaml", "empty.json"} {
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), name, "")
			cfg, err := NewManager(p).Load()
			require.NoError(t, err)

			a, err := cfg.ResolveAnnouncements()
			require.NoError(t, err)
			assert.Equal(t, 4*time.Hour, a.GracePeriod)
			assert.Equal(t, time.Minute, a.MaxTimeout)
		})
	}
}

func TestNilConfigResolvesDefaults(t *testing.T) {
	var cfg *Config
	a, err := cfg.ResolveAnnouncements()
	require.NoError(t, err)
	assert.Equal(t, DefaultGracePeriod, a.GracePeriod)
	assert.Equal(t, DefaultMaxTimeout, a.MaxTimeout)
	assert.Equal(t, DefaultPolicyDir, cfg.PolicyDir())
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr())
}

func TestYAMLConfig(t *testing.T) {
	p := writeFile(t, t.TempDir(), "lapse.yaml", `
logging:
  level: DEBUG
  console: true
announcements:
  grace_period: 30m
  max_timeout: 10s
policies:
  dir: /var/lib/lapse/policies
  resync: "@every 5m"
publisher:
  transport: nats
  codec: cbor
  nats:
    url: nats://127.0.0.1:4222
storage:
  driver: sqlite
  path: ./data/lapse.db
http:
  enabled: true
  addr: ":9000"
`)
	cfg, err := NewManager(p).Load()
	require.NoError(t, err)

	a, err := cfg.ResolveAnnouncements()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, a.GracePeriod)
	assert.Equal(t, 10*time.Second, a.MaxTimeout)
	assert.Equal(t, "nats", cfg.Publisher.Transport)
	assert.Equal(t, "cbor", cfg.Publisher.Codec)
	assert.Equal(t, "/var/lib/lapse/policies", cfg.PolicyDir())
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, ":9000", cfg.HTTPAddr())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("x.json", []byte(`{"announcements":{"grace":"1h"}}`))
	require.Error(t, err)

	_, err = Decode("x.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero config", cfg: Config{}},
		{
			name:    "bad duration",
			cfg:     Config{Announcements: AnnouncementsConfig{GracePeriod: "soon"}},
			wantErr: "announcements.grace_period",
		},
		{
			name:    "negative duration",
			cfg:     Config{Announcements: AnnouncementsConfig{MaxTimeout: "-1s"}},
			wantErr: "must be >= 0",
		},
		{
			name:    "unknown transport",
			cfg:     Config{Publisher: PublisherConfig{Transport: "carrier-pigeon"}},
			wantErr: "unknown transport",
		},
		{
			name:    "nats without url",
			cfg:     Config{Publisher: PublisherConfig{Transport: "nats"}},
			wantErr: "publisher.nats.url",
		},
		{
			name:    "telegram without chat",
			cfg:     Config{Publisher: PublisherConfig{Transport: "telegram", Telegram: TelegramConfig{Token: "t"}}},
			wantErr: "chat_id",
		},
		{
			name:    "http forwarder without url",
			cfg:     Config{Forwarder: ForwarderConfig{Mode: "http"}},
			wantErr: "forwarder.http.url",
		},
		{
			name:    "bad resync",
			cfg:     Config{Policies: PoliciesConfig{Resync: "whenever"}},
			wantErr: "policies.resync",
		},
		{
			name:    "unknown storage driver",
			cfg:     Config{Storage: &StorageConfig{Driver: "tape"}},
			wantErr: "unknown driver",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "INFO"}}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "DEBUG"},
		Publisher: PublisherConfig{Transport: "redis", Redis: RedisConfig{URL: "redis://x"}},
	}
	ch := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging"}, ch.Live)
	assert.Equal(t, []string{"publisher"}, ch.Restart)
	assert.True(t, SummarizeChange(newCfg, newCfg).Empty())
}

func TestSubscribeDropsOldest(t *testing.T) {
	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)
	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "lapse.yaml", "logging:\n  level: INFO\n")
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Keep rewriting until the watcher is up and the reload lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			assert.Equal(t, "DEBUG", cfg.Logging.Level)
			assert.Equal(t, "DEBUG", m.Get().Logging.Level)
			cancel()
			<-done
			return
		case <-tick.C:
			writeFile(t, dir, "lapse.yaml", "logging:\n  level: DEBUG\n")
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("publisher.retry_base", "soon")
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "publisher.retry_base", fe.Path)

	_, err = ParseDurationField("x", "-1s")
	require.ErrorIs(t, err, errNegativeDuration)

	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}
