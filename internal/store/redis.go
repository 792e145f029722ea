package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/metrics"
)

// RedisStore implements Store against a Redis-protocol server.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects to the server at url (redis://host:port/db).
func NewRedisStore(url string, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	return &RedisStore{client: client, logger: logger}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests backed by
// miniredis.
func NewRedisStoreFromClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	} else if err != nil {
		metrics.StoreOperations.WithLabelValues("get", "error").Inc()
		return "", err
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.track("set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	return s.track("del", s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.track("hset", s.client.HSet(ctx, key, args...).Err())
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		metrics.StoreOperations.WithLabelValues("hgetall", "error").Inc()
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return res, nil
}

func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	return s.track("sadd", s.client.SAdd(ctx, key, toIfaces(members)...).Err())
}

func (s *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	return s.track("srem", s.client.SRem(ctx, key, toIfaces(members)...).Err())
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		metrics.StoreOperations.WithLabelValues("smembers", "error").Inc()
		return nil, err
	}
	return res, nil
}

func (s *RedisStore) ZSetAdd(ctx context.Context, key string, score float64, member string) error {
	return s.track("zadd", s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZSetCount(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
}

func (s *RedisStore) ZSetRemoveByScore(ctx context.Context, key string, min, max float64) error {
	return s.track("zremrangebyscore",
		s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err())
}

func (s *RedisStore) ZSetCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) SlidingWindowIncr(ctx context.Context, key string, windowStart, now float64, member string, ttl time.Duration) (int64, error) {
	var card *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", formatScore(windowStart))
		card = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: now, Member: member})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		metrics.StoreOperations.WithLabelValues("sliding_window", "error").Inc()
		return 0, err
	}
	return card.Val(), nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return s.track("publish", s.client.Publish(ctx, channel, message).Err())
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := s.client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			default:
				// Slow consumer; drop rather than block the reader loop.
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.track("expire", s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			metrics.StoreOperations.WithLabelValues("scan", "error").Inc()
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) track(op string, err error) error {
	if err != nil {
		metrics.StoreOperations.WithLabelValues(op, "error").Inc()
		return err
	}
	metrics.StoreOperations.WithLabelValues(op, "ok").Inc()
	return nil
}

func toIfaces(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
