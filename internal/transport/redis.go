package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"lapse/pkg/logx"
)

const DefaultRedisChannelPrefix = "lapse.announcements"

type RedisConfig struct {
	URL           string
	ChannelPrefix string
}

// Redis publishes envelopes with PUBLISH on <prefix>.<policy id> and
// listens for acknowledgements on <prefix>.acks.
type Redis struct {
	client *redis.Client
	prefix string
	codec  Codec
	log    logx.Logger
}

func NewRedis(cfg RedisConfig, codec Codec, log logx.Logger) (*Redis, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("redis transport: url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisClient(client, cfg.ChannelPrefix, codec, log), nil
}

// NewRedisClient wraps an existing client. Close closes it.
func NewRedisClient(client *redis.Client, prefix string, codec Codec, log logx.Logger) *Redis {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	if codec == nil {
		codec = JSON{}
	}
	return &Redis{client: client, prefix: prefix, codec: codec, log: log.With(logx.String("comp", "transport.redis"))}
}

func (*Redis) Name() string { return "redis" }

func (r *Redis) Channel(policyID string) string { return r.prefix + "." + policyID }

func (r *Redis) AckChannel() string { return r.prefix + ".acks" }

func (r *Redis) Send(ctx context.Context, env Envelope) error {
	b, err := r.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	n, err := r.client.Publish(ctx, r.Channel(env.PolicyID), b).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if n == 0 {
		r.log.Debug("announcement published without subscribers", logx.String("channel", r.Channel(env.PolicyID)))
	}
	return nil
}

func (r *Redis) ListenAcks(ctx context.Context, fn AckFunc) error {
	ps := r.client.Subscribe(ctx, r.AckChannel())
	defer func() { _ = ps.Close() }()
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe %s: %w", r.AckChannel(), err)
	}
	r.log.Info("listening for acknowledgements", logx.String("channel", r.AckChannel()))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis ack subscription closed")
			}
			if corr := strings.TrimSpace(msg.Payload); corr != "" {
				fn(corr)
			}
		}
	}
}

func (r *Redis) Close() error { return r.client.Close() }
