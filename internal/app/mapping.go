package app

import (
	"fmt"
	"strings"
	"time"

	"lapse/internal/config"
	"lapse/internal/expiry"
	"lapse/internal/forwarder"
	"lapse/internal/publisher"
	"lapse/internal/storage"
	"lapse/internal/transport"
	"lapse/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapExpiryConfig(cfg *config.Config) (expiry.Config, error) {
	a, err := cfg.ResolveAnnouncements()
	if err != nil {
		return expiry.Config{}, err
	}
	return expiry.Config{GracePeriod: a.GracePeriod, MaxTimeout: a.MaxTimeout}, nil
}

func mapPublisherConfig(cfg *config.Config) (publisher.Config, error) {
	p := cfg.Publisher
	if p.Workers < 0 || p.QueueSize < 0 || p.RatePerSec < 0 || p.RetryMax < 0 {
		return publisher.Config{}, fmt.Errorf("publisher: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	retryMax := p.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	base, err := config.ParseDurationOrDefault("publisher.retry_base", p.RetryBase, 500*time.Millisecond)
	if err != nil {
		return publisher.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("publisher.retry_max_delay", p.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return publisher.Config{}, err
	}
	dedup, err := config.ParseDurationField("publisher.dedup_window", p.DedupWindow)
	if err != nil {
		return publisher.Config{}, err
	}
	return publisher.Config{
		Workers:       p.Workers,
		QueueSize:     p.QueueSize,
		RatePerSec:    p.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
	}, nil
}

func mapForwarderConfig(cfg *config.Config) (forwarder.Config, error) {
	h := cfg.Forwarder.HTTP
	timeout, err := config.ParseDurationOrDefault("forwarder.http.timeout", h.Timeout, 5*time.Second)
	if err != nil {
		return forwarder.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("forwarder.http.retry_base", h.RetryBase, 250*time.Millisecond)
	if err != nil {
		return forwarder.Config{}, err
	}
	retryMax := h.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return forwarder.Config{
		Mode: cfg.Forwarder.Mode,
		HTTP: forwarder.HTTPConfig{URL: h.URL, Timeout: timeout, RetryMax: retryMax, RetryBase: base},
	}, nil
}

// mapStorageConfig reports enabled=false when the section is missing or the
// driver is "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./data/lapse"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		return storage.Config{Driver: driver, RedisURL: strings.TrimSpace(sc.RedisURL), KeyPrefix: sc.KeyPrefix}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// openTransport connects the configured announcement transport.
func openTransport(cfg *config.Config, log logx.Logger) (transport.Transport, error) {
	p := cfg.Publisher
	codec, err := transport.CodecByName(p.Codec)
	if err != nil {
		return nil, err
	}
	var (
		tr   transport.Transport
		terr error
	)
	switch strings.ToLower(strings.TrimSpace(p.Transport)) {
	case "", "log":
		return transport.NewLog(log), nil
	case "nats":
		n, err := transport.NewNATS(transport.NATSConfig{URL: p.NATS.URL, SubjectPrefix: p.NATS.SubjectPrefix}, codec, log)
		tr, terr = n, err
	case "redis":
		r, err := transport.NewRedis(transport.RedisConfig{URL: p.Redis.URL, ChannelPrefix: p.Redis.ChannelPrefix}, codec, log)
		tr, terr = r, err
	case "telegram":
		t, err := transport.NewTelegram(transport.TelegramConfig{
			Token:    p.Telegram.Token,
			ChatID:   p.Telegram.ChatID,
			ThreadID: p.Telegram.ThreadID,
		}, log)
		tr, terr = t, err
	default:
		return nil, fmt.Errorf("unknown publisher.transport: %s", p.Transport)
	}
	if terr != nil {
		return nil, terr
	}
	return tr, nil
}

// validate runs before a reloaded config is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapPublisherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapForwarderConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
