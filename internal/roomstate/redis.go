package roomstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps room state in Redis: the window is a list expiring
// BufferTTL after its last append, the cooldown marker a string holding
// the alert time in Unix milliseconds with a matching PX expiry.
type RedisStore struct {
	rdb  redis.Cmdable
	opts Options
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb redis.Cmdable, opts Options) *RedisStore {
	return &RedisStore{rdb: rdb, opts: opts.withDefaults()}
}

// Connect parses a redis:// URL, pings the server and returns a client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) Size() int { return s.opts.WindowSize }

// HealthCheck pings the Redis server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Append(ctx context.Context, roomID, text string) (int, error) {
	key := bufferKey(roomID)
	var llen *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, text)
		p.LTrim(ctx, key, int64(-s.opts.WindowSize), -1)
		p.PExpire(ctx, key, s.opts.BufferTTL)
		llen = p.LLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append window %s: %w", roomID, err)
	}
	return int(llen.Val()), nil
}

func (s *RedisStore) Len(ctx context.Context, roomID string) (int, error) {
	n, err := s.rdb.LLen(ctx, bufferKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("window length %s: %w", roomID, err)
	}
	return int(n), nil
}

func (s *RedisStore) Window(ctx context.Context, roomID string) ([]string, error) {
	items, err := s.rdb.LRange(ctx, bufferKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read window %s: %w", roomID, err)
	}
	return items, nil
}

func (s *RedisStore) Clear(ctx context.Context, roomID string) error {
	if err := s.rdb.Del(ctx, bufferKey(roomID)).Err(); err != nil {
		return fmt.Errorf("clear window %s: %w", roomID, err)
	}
	return nil
}

func (s *RedisStore) InCooldown(ctx context.Context, roomID string) (bool, error) {
	raw, err := s.rdb.Get(ctx, cooldownKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cooldown %s: %w", roomID, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Unparseable marker: treat as absent.
		return false, nil
	}
	return cooling(s.opts.Now(), time.UnixMilli(ms), s.opts.Cooldown), nil
}

func (s *RedisStore) SetCooldown(ctx context.Context, roomID string) error {
	if s.opts.Cooldown <= 0 {
		return nil
	}
	now := s.opts.Now().UnixMilli()
	if err := s.rdb.Set(ctx, cooldownKey(roomID), strconv.FormatInt(now, 10), s.opts.Cooldown).Err(); err != nil {
		return fmt.Errorf("set cooldown %s: %w", roomID, err)
	}
	return nil
}
