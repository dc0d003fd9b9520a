package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xaenox/threadkeeper/internal/models"
)

const redisKeyPrefix = "threadkeeper:fp:"

// RedisLedger shares the fingerprint window between resolver processes.
type RedisLedger struct {
	client *redis.Client
	window time.Duration
}

// RedisConfig configures RedisLedger.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisLedger(cfg RedisConfig, window time.Duration) *RedisLedger {
	return &RedisLedger{
		client: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: 2 * time.Second,
		}),
		window: window,
	}
}

// NewRedisLedgerFromURL parses a redis:// URL.
func NewRedisLedgerFromURL(url string, window time.Duration) (*RedisLedger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisLedger{client: redis.NewClient(opts), window: window}, nil
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLedger) Lookup(ctx context.Context, userID, fingerprint string) (models.ThreadResolution, bool, error) {
	raw, err := l.client.Get(ctx, redisKeyPrefix+key(userID, fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ThreadResolution{}, false, nil
	}
	if err != nil {
		return models.ThreadResolution{}, false, fmt.Errorf("redis get: %w", err)
	}
	var res models.ThreadResolution
	if err := json.Unmarshal(raw, &res); err != nil {
		return models.ThreadResolution{}, false, fmt.Errorf("decode resolution: %w", err)
	}
	return res, true, nil
}

func (l *RedisLedger) Remember(ctx context.Context, userID, fingerprint string, res models.ThreadResolution) (models.ThreadResolution, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return res, fmt.Errorf("encode resolution: %w", err)
	}
	ok, err := l.client.SetNX(ctx, redisKeyPrefix+key(userID, fingerprint), raw, l.window).Result()
	if err != nil {
		return res, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return res, nil
	}
	existing, found, err := l.Lookup(ctx, userID, fingerprint)
	if err != nil {
		return res, err
	}
	if !found {
		// Expired between SETNX and GET; ours is as good as any.
		return res, nil
	}
	return existing, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
