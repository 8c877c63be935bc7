package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chat-session-engine/internal/clock"
	appconfig "github.com/wolfman30/chat-session-engine/internal/config"
	"github.com/wolfman30/chat-session-engine/internal/ratelimit"
	"github.com/wolfman30/chat-session-engine/internal/storage"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

func TestBuildRedisClientDisabledWithoutAddr(t *testing.T) {
	assert.Nil(t, BuildRedisClient(context.Background(), nil, logging.Discard(), true))
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{}, logging.Discard(), true))
}

func TestBuildRedisClientVerifiesPing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logging.Discard(), true)
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })

	mr.Close()
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logging.Discard(), true))
}

func TestBuildStoreBackends(t *testing.T) {
	ctx := context.Background()

	s, err := BuildStore(&appconfig.Config{StorageBackend: "memory"}, nil, "u1")
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, s)

	path := filepath.Join(t.TempDir(), "state.json")
	s, err = BuildStore(&appconfig.Config{StorageBackend: "file", StoragePath: path}, nil, "u1")
	require.NoError(t, err)
	require.NoError(t, storage.SetProtocol(ctx, s, "20260101000001"))
	reopened, err := BuildStore(&appconfig.Config{StorageBackend: "file", StoragePath: path}, nil, "u1")
	require.NoError(t, err)
	protocol, err := storage.Protocol(ctx, reopened)
	require.NoError(t, err)
	assert.Equal(t, "20260101000001", protocol)

	_, err = BuildStore(&appconfig.Config{StorageBackend: "redis"}, nil, "u1")
	assert.Error(t, err)

	_, err = BuildStore(&appconfig.Config{StorageBackend: "etcd"}, nil, "u1")
	assert.Error(t, err)
}

func TestBuildStoreRedisScopesByUser(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := BuildRedisClient(ctx, &appconfig.Config{RedisAddr: mr.Addr()}, logging.Discard(), false)
	t.Cleanup(func() { _ = client.Close() })

	s, err := BuildStore(&appconfig.Config{StorageBackend: "redis"}, client, "cli-42")
	require.NoError(t, err)
	require.NoError(t, storage.SetProtocol(ctx, s, "20260101000002"))

	v, err := mr.Get("chat:state:cli-42:" + storage.KeyProtocol)
	require.NoError(t, err)
	assert.Equal(t, "20260101000002", v)
}

func TestBuildRatingLimiterUsesRedisWindows(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := BuildRedisClient(ctx, &appconfig.Config{RedisAddr: mr.Addr()}, logging.Discard(), false)
	t.Cleanup(func() { _ = client.Close() })

	cfg := &appconfig.Config{
		RatingMaxRequests:   2,
		RatingRequestWindow: 20 * time.Second,
		RatingHardLimit:     10,
		RatingHardWindow:    time.Minute,
		RatingSharedLimit:   true,
	}
	fake := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	a := BuildRatingLimiter(cfg, client, "cli-1", nil, fake, logging.Discard())
	b := BuildRatingLimiter(cfg, client, "cli-2", nil, fake, logging.Discard())

	assert.Equal(t, ratelimit.Allowed, a.Admit(ctx))
	assert.Equal(t, ratelimit.Allowed, b.Admit(ctx))
	// shared windows: the third call from either client trips the soft limit
	assert.Equal(t, ratelimit.SoftLimited, a.Admit(ctx))
	assert.True(t, b.Limited(ctx))
}

func TestBuildRatingLimiterDefaults(t *testing.T) {
	l := BuildRatingLimiter(nil, nil, "", nil, nil, nil)
	assert.Equal(t, ratelimit.DefaultConfig(), l.Config())
}
