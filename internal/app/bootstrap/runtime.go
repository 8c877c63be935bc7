// Package bootstrap builds the optional runtime collaborators shared by the
// binaries from configuration.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/chat-session-engine/internal/clock"
	appconfig "github.com/wolfman30/chat-session-engine/internal/config"
	"github.com/wolfman30/chat-session-engine/internal/observability/metrics"
	"github.com/wolfman30/chat-session-engine/internal/ratelimit"
	"github.com/wolfman30/chat-session-engine/internal/storage"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildStore picks the persistence collaborator named by STORAGE_BACKEND.
// Redis keys are scoped to userID so several clients can share one server.
func BuildStore(cfg *appconfig.Config, redisClient *redis.Client, userID string) (storage.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	switch cfg.StorageBackend {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "file":
		s, err := storage.OpenFileStore(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: open file store: %w", err)
		}
		return s, nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("bootstrap: redis store requires REDIS_ADDR")
		}
		return storage.NewRedisStore(redisClient, redisPrefix("chat:state", userID), 0), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown storage backend %q", cfg.StorageBackend)
	}
}

// BuildRatingLimiter returns the rating throttle. With a redis client the
// windows live in redis; RATING_SHARED_LIMIT makes every client on the host
// share one pair of windows.
func BuildRatingLimiter(cfg *appconfig.Config, redisClient *redis.Client, userID string, m *metrics.EngineMetrics, c clock.Clock, logger *logging.Logger) *ratelimit.Limiter {
	if cfg == nil {
		cfg = &appconfig.Config{}
	}
	opts := []ratelimit.Option{ratelimit.WithClock(c)}
	if m != nil {
		opts = append(opts, ratelimit.WithObserver(m))
	}
	if redisClient != nil {
		scope := userID
		if cfg.RatingSharedLimit {
			scope = ""
		}
		opts = append(opts, ratelimit.WithStore(
			ratelimit.NewRedisWindows(redisClient, redisPrefix("chat:ratelimit", scope), cfg.RatingHardWindow),
		))
	}
	return ratelimit.New(ratelimit.Config{
		MaxRequests:   cfg.RatingMaxRequests,
		RequestWindow: cfg.RatingRequestWindow,
		HardLimit:     cfg.RatingHardLimit,
		HardWindow:    cfg.RatingHardWindow,
	}, logger, opts...)
}

func redisPrefix(base, scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return base
	}
	return base + ":" + scope
}
