package auth

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"evalflow/internal/config"
	redisdb "evalflow/internal/redis"
)

// testRedis connects to the local test database (db 15) or skips.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	cfg := &config.Config{}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.DB = 15
	rdb := redisdb.NewClient(cfg)
	if err := redisdb.Ping(context.Background(), rdb); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
