//go:build integration

package settings

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	c, err := NewRedisCache(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "test_key", "v1", time.Minute))
	v, ok, err := c.Get(ctx, "test_key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	require.NoError(t, c.Delete(ctx, "test_key"))
	_, ok, err = c.Get(ctx, "test_key")
	require.NoError(t, err)
	assert.False(t, ok)
}
