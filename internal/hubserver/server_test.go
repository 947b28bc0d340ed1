package hubserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/config"
	"github.com/ringforge/hub/internal/hubserver"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load([]string{
		"-data-dir", t.TempDir(),
		"-port", "41327",
		"-secret-key-base", "test-secret",
	})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNew_WiresServerAndMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	srv, err := hubserver.New(cfg)
	require.NoError(t, err)
	require.NotNil(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	// Canceling immediately exercises the drain-then-shutdown path
	// without needing a real client connection.
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestNew_RedisBackendDoesNotDialEagerly(t *testing.T) {
	cfg, err := config.Load([]string{
		"-data-dir", t.TempDir(),
		"-port", "41327",
		"-secret-key-base", "test-secret",
		"-cluster-strategy", "redis",
		"-redis-url", "redis://127.0.0.1:1/0",
	})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	// redis.NewClient does not dial eagerly, so New should still
	// succeed; only an actual command against the client would fail.
	srv, err := hubserver.New(cfg)
	require.NoError(t, err)
	require.NotNil(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = srv.Serve(ctx)
}
