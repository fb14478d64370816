package client

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickhouseAddr(t *testing.T) {
	cases := []struct {
		raw    string
		addr   string
		secure bool
	}{
		{"http://localhost:9000", "localhost:9000", false},
		{"http://clickhouse", "clickhouse:9000", false},
		{"https://ch.internal", "ch.internal:9440", true},
		{"https://ch.internal:9441", "ch.internal:9441", true},
	}
	for _, tc := range cases {
		addr, secure, err := clickhouseAddr(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.addr, addr, tc.raw)
		assert.Equal(t, tc.secure, secure, tc.raw)
	}

	_, _, err := clickhouseAddr("localhost")
	assert.Error(t, err)
}

func TestClickhouseTLS_WithoutCAUsesSystemRoots(t *testing.T) {
	cfg, err := clickhouseTLS("ch.internal:9440", "")
	require.NoError(t, err)
	assert.Equal(t, "ch.internal", cfg.ServerName)
	assert.Nil(t, cfg.RootCAs)

	_, err = clickhouseTLS("ch.internal:9440", "/does/not/exist.pem")
	assert.Error(t, err)
}

func TestRedisClient_HealthCheckLeavesNoKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := WrapRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })

	require.NoError(t, rc.HealthCheck(context.Background()))
	assert.Empty(t, mr.Keys())

	mr.Close()
	assert.Error(t, rc.HealthCheck(context.Background()))
}
