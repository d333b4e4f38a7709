package repository

import (
	"context"
	"testing"
	"time"

	"fixturesync/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBacklog(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	defer Close(client)

	ctx := context.Background()
	require.NoError(t, Ping(ctx, client))

	b := NewRedisBacklog(client, "test:jobs")

	t.Run("FIFO", func(t *testing.T) {
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, b.Push(ctx, id))
		}
		n, err := b.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		id, ok, err := b.Pop(ctx, 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a", id)

		id, ok, err = b.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", id)

		id, ok, err = b.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "c", id)
	})

	t.Run("Empty", func(t *testing.T) {
		_, ok, err := b.Pop(ctx, 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("BlockingTimeout", func(t *testing.T) {
		_, ok, err := b.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRedisBacklog_ServerDown(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	defer Close(client)
	b := NewRedisBacklog(client, "test:jobs")
	s.Close()

	ctx := context.Background()
	assert.Error(t, b.Push(ctx, "x"))
	_, _, err = b.Pop(ctx, 0)
	assert.Error(t, err)
}

func TestRedisBacklog_NilClient(t *testing.T) {
	b := NewRedisBacklog(nil, "k")
	ctx := context.Background()
	assert.Error(t, b.Push(ctx, "x"))
	_, _, err := b.Pop(ctx, 0)
	assert.Error(t, err)
	_, err = b.Len(ctx)
	assert.Error(t, err)
}
