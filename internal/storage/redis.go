package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"lapse/pkg/logx"
)

const auditStreamMaxLen = 100_000

// redisStore appends audit entries to a capped stream and keeps ledger
// entries as keys that expire on their own.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, errors.New("storage.redis_url is required for redis driver")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
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
	log.Info("redis storage opened", logx.String("addr", opts.Addr))
	return newRedisStore(client, cfg.KeyPrefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "lapse"
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) auditStream() string { return s.prefix + ":audit" }

func (s *redisStore) ledgerKey(key string) string { return s.prefix + ":ledger:" + key }

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.auditStream(),
		MaxLen: auditStreamMaxLen,
		Approx: true,
		Values: map[string]any{"entry": b},
	}).Err()
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.client.Del(ctx, s.ledgerKey(key)).Err()
	}
	return s.client.Set(ctx, s.ledgerKey(key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, s.ledgerKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// PruneDedup is a no-op: ledger keys carry their own TTL.
func (s *redisStore) PruneDedup(context.Context, time.Time) (int, error) { return 0, nil }

func (s *redisStore) Close() error { return s.client.Close() }
