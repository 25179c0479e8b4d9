package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultGracePeriod = 4 * time.Hour
	DefaultMaxTimeout  = time.Minute

	DefaultPolicyDir = "./policies"
	DefaultHTTPAddr  = "127.0.0.1:8089"
)

// Announcements is the resolved form of AnnouncementsConfig.
type Announcements struct {
	GracePeriod time.Duration
	MaxTimeout  time.Duration
}

// ResolveAnnouncements parses the announcement durations and applies defaults.
func (c *Config) ResolveAnnouncements() (Announcements, error) {
	var a AnnouncementsConfig
	if c != nil {
		a = c.Announcements
	}
	grace, err := ParseDurationOrDefault("announcements.grace_period", a.GracePeriod, DefaultGracePeriod)
	if err != nil {
		return Announcements{}, err
	}
	maxTimeout, err := ParseDurationOrDefault("announcements.max_timeout", a.MaxTimeout, DefaultMaxTimeout)
	if err != nil {
		return Announcements{}, err
	}
	return Announcements{GracePeriod: grace, MaxTimeout: maxTimeout}, nil
}

// PolicyDir returns the configured policy directory or the default.
func (c *Config) PolicyDir() string {
	if c == nil || strings.TrimSpace(c.Policies.Dir) == "" {
		return DefaultPolicyDir
	}
	return strings.TrimSpace(c.Policies.Dir)
}

// HTTPAddr returns the listen address or the default.
func (c *Config) HTTPAddr() string {
	if c == nil || strings.TrimSpace(c.HTTP.Addr) == "" {
		return DefaultHTTPAddr
	}
	return strings.TrimSpace(c.HTTP.Addr)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a resync spec ("@every 10m", "*/5 * * * *").
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(strings.TrimSpace(spec))
}

// Validate reports every problem found in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := cfg.ResolveAnnouncements(); err != nil {
		add(err)
	}
	if s := strings.TrimSpace(cfg.Policies.Resync); s != "" {
		if _, err := ParseSchedule(s); err != nil {
			add(fmt.Errorf("policies.resync: %w", err))
		}
	}

	p := cfg.Publisher
	switch strings.ToLower(strings.TrimSpace(p.Transport)) {
	case "", "log":
	case "nats":
		if strings.TrimSpace(p.NATS.URL) == "" {
			add(errors.New("publisher.nats.url is required for the nats transport"))
		}
	case "redis":
		if strings.TrimSpace(p.Redis.URL) == "" {
			add(errors.New("publisher.redis.url is required for the redis transport"))
		}
	case "telegram":
		if strings.TrimSpace(p.Telegram.Token) == "" || p.Telegram.ChatID == 0 {
			add(errors.New("publisher.telegram.token and chat_id are required for the telegram transport"))
		}
	default:
		add(fmt.Errorf("publisher.transport: unknown transport %q", p.Transport))
	}
	switch strings.ToLower(strings.TrimSpace(p.Codec)) {
	case "", "json", "cbor":
	default:
		add(fmt.Errorf("publisher.codec: unknown codec %q", p.Codec))
	}
	for path, raw := range map[string]string{
		"publisher.retry_base":      p.RetryBase,
		"publisher.retry_max_delay": p.RetryMaxDelay,
		"publisher.dedup_window":    p.DedupWindow,
		"forwarder.http.timeout":    cfg.Forwarder.HTTP.Timeout,
		"forwarder.http.retry_base": cfg.Forwarder.HTTP.RetryBase,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Forwarder.Mode)) {
	case "", "local":
	case "http":
		if strings.TrimSpace(cfg.Forwarder.HTTP.URL) == "" {
			add(errors.New("forwarder.http.url is required for the http forwarder"))
		}
	default:
		add(fmt.Errorf("forwarder.mode: unknown mode %q", cfg.Forwarder.Mode))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		case "redis":
			if strings.TrimSpace(st.RedisURL) == "" {
				add(errors.New("storage.redis_url is required for the redis driver"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	return errors.Join(errs...)
}
