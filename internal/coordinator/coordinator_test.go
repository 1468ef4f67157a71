package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/tenant-db-pooling/internal/config"
)

// testConfig aponta para um endereço sem Redis; os testes cobrem o modo
// fallback, que não depende de um servidor real.
func testConfig(fallback bool) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{InstanceID: "test-instance"},
		Redis: config.RedisConfig{
			Addr:         "127.0.0.1:1",
			DialTimeout:  200 * time.Millisecond,
			ReadTimeout:  200 * time.Millisecond,
			WriteTimeout: 200 * time.Millisecond,
		},
		Fallback: config.FallbackConfig{Enabled: fallback},
	}
}

func TestNewFailsWithoutFallback(t *testing.T) {
	_, err := New(context.Background(), testConfig(false))
	require.Error(t, err)
}

func TestNewEntersFallbackMode(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(true))
	require.NoError(t, err)
	defer c.Close(ctx)

	require.True(t, c.IsFallback())
	require.Equal(t, "test-instance", c.InstanceID())
}

func TestPublishIsNoopInFallback(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(true))
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, c.Publish(ctx, "provisioned", "acme"))
}

func TestStartSkipsSubscriptionInFallback(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(true))
	require.NoError(t, err)
	defer c.Close(ctx)

	c.Start(func(Event) {
		t.Error("handler must not fire without a Redis subscription")
	})
}

func TestInstancesInFallbackReturnsSelf(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(true))
	require.NoError(t, err)
	defer c.Close(ctx)

	ids, err := c.Instances(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"test-instance"}, ids)
}

func TestExitFallbackFailsWhileRedisDown(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(true))
	require.NoError(t, err)
	defer c.Close(ctx)

	require.Error(t, c.ExitFallback(ctx))
	require.True(t, c.IsFallback())
}
