package redisdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalflow/internal/config"
)

func TestNewClient_BasicConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.Password = ""
	cfg.Redis.DB = 15

	client := NewClient(cfg)
	require.NotNil(t, client)
	opts := client.Options()
	assert.Equal(t, cfg.Redis.Addr, opts.Addr)
	assert.Equal(t, cfg.Redis.Password, opts.Password)
	assert.Equal(t, cfg.Redis.DB, opts.DB)
}

func TestPing_Unreachable(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.Addr = "127.0.0.1:1"
	client := NewClient(cfg)
	defer client.Close()

	err := Ping(context.Background(), client)
	assert.ErrorContains(t, err, "127.0.0.1:1")
}
