package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindows keeps both windows in sorted sets so the limit survives page
// reloads and is shared by every client bound to the same scope (usually the
// protocol id).
type RedisWindows struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisWindows scopes the windows under prefix. ttl bounds how long an idle
// window survives; it should be at least the hard window.
func NewRedisWindows(client *redis.Client, prefix string, ttl time.Duration) *RedisWindows {
	if prefix == "" {
		prefix = "chat:ratelimit"
	}
	if ttl <= 0 {
		ttl = DefaultConfig().HardWindow
	}
	return &RedisWindows{redis: client, prefix: prefix, ttl: ttl}
}

func (r *RedisWindows) windowKey(w Window) string {
	return fmt.Sprintf("%s:%s", r.prefix, w)
}

func (r *RedisWindows) flagKey(w Window) string {
	return fmt.Sprintf("%s:%s:breached", r.prefix, w)
}

func (r *RedisWindows) Purge(ctx context.Context, w Window, cutoff time.Time) error {
	// exclusive bound: an entry exactly at the cutoff is still inside the window
	max := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	if err := r.redis.ZRemRangeByScore(ctx, r.windowKey(w), "-inf", max).Err(); err != nil {
		return fmt.Errorf("ratelimit: purge %s: %w", w, err)
	}
	return nil
}

func (r *RedisWindows) Count(ctx context.Context, w Window) (int, error) {
	n, err := r.redis.ZCard(ctx, r.windowKey(w)).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: count %s: %w", w, err)
	}
	return int(n), nil
}

func (r *RedisWindows) Record(ctx context.Context, at time.Time) error {
	member := redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: strconv.FormatInt(at.UnixMilli(), 10) + "-" + uuid.NewString(),
	}
	pipe := r.redis.TxPipeline()
	for _, w := range []Window{WindowSoft, WindowHard} {
		pipe.ZAdd(ctx, r.windowKey(w), member)
		pipe.Expire(ctx, r.windowKey(w), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ratelimit: record: %w", err)
	}
	return nil
}

func (r *RedisWindows) Flagged(ctx context.Context, w Window) (bool, error) {
	n, err := r.redis.Exists(ctx, r.flagKey(w)).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: read flag %s: %w", w, err)
	}
	return n > 0, nil
}

// SetFlag stores the breach flag without a TTL; only Reset clears it.
func (r *RedisWindows) SetFlag(ctx context.Context, w Window) error {
	if err := r.redis.Set(ctx, r.flagKey(w), "1", 0).Err(); err != nil {
		return fmt.Errorf("ratelimit: set flag %s: %w", w, err)
	}
	return nil
}

func (r *RedisWindows) Reset(ctx context.Context) error {
	keys := []string{
		r.windowKey(WindowSoft), r.windowKey(WindowHard),
		r.flagKey(WindowSoft), r.flagKey(WindowHard),
	}
	if err := r.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset: %w", err)
	}
	return nil
}
