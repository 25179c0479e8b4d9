package config

// Config is the daemon configuration. Files may be JSON or YAML; YAML is
// coerced to JSON so a single strict decoder serves both.
//
// All durations are Go duration strings ("500ms", "10s", "4h").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Announcements AnnouncementsConfig `json:"announcements"`
	Policies      PoliciesConfig      `json:"policies"`
	Publisher     PublisherConfig     `json:"publisher"`
	Forwarder     ForwarderConfig     `json:"forwarder"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	HTTP          HTTPConfig          `json:"http"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AnnouncementsConfig feeds every Lifecycle Manager.
//
// Defaults: grace_period "4h", max_timeout "1m".
type AnnouncementsConfig struct {
	// GracePeriod is how long past expiry an outstanding acknowledgement
	// keeps a subject alive.
	GracePeriod string `json:"grace_period,omitempty"`
	// MaxTimeout bounds the wait for a single acknowledgement.
	MaxTimeout string `json:"max_timeout,omitempty"`
}

// PoliciesConfig points at the directory of policy documents.
//
// Resync is a cron spec (robfig/cron, descriptors allowed). Empty disables
// the periodic full re-read.
type PoliciesConfig struct {
	Dir    string `json:"dir"`
	Resync string `json:"resync,omitempty"`
}

// PublisherConfig controls the async announcement pipeline.
//
// Defaults (when fields are omitted/zero):
//   - transport: log
//   - codec: json
//   - workers: 2
//   - queue_size: 512
//   - rate_per_sec: 50
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - dedup_window: "0s" (disabled)
type PublisherConfig struct {
	Transport     string `json:"transport,omitempty"`
	Codec         string `json:"codec,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`

	NATS     NATSConfig     `json:"nats"`
	Redis    RedisConfig    `json:"redis"`
	Telegram TelegramConfig `json:"telegram"`
}

type NATSConfig struct {
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

type RedisConfig struct {
	URL           string `json:"url,omitempty"`
	ChannelPrefix string `json:"channel_prefix,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// ForwarderConfig selects where removal commands go.
type ForwarderConfig struct {
	Mode string              `json:"mode,omitempty"` // local | http
	HTTP ForwarderHTTPConfig `json:"http"`
}

type ForwarderHTTPConfig struct {
	URL       string `json:"url,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	RetryMax  int    `json:"retry_max,omitempty"`
	RetryBase string `json:"retry_base,omitempty"`
}

// StorageConfig controls persistence of the announcement ledger and audit log.
//
// Drivers: file, sqlite, redis, none. If the section is omitted, storage is
// disabled and the ledger lives in memory.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	RedisURL    string `json:"redis_url,omitempty"`
	// KeyPrefix namespaces redis keys (default "lapse").
	KeyPrefix string `json:"key_prefix,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Pprof mounts net/http/pprof under /debug. Keep the listener private.
	Pprof bool `json:"pprof,omitempty"`
}
