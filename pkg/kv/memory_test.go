package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/pkg/kv"
)

func TestMemoryStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestMemoryStore_TTLExpires(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemoryStore()

	require.NoError(t, s.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestMemoryStore_Incr(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemoryStore()

	v, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestMemoryStore_HashRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemoryStore()

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))

	v, err := s.HGet(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)
}

func TestMemoryStore_ListFIFOOrder(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemoryStore()

	require.NoError(t, s.RPush(ctx, "q", "1", "2", "3"))

	rng, err := s.LRange(ctx, "q", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, rng)

	v, err := s.RPop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestMemoryStore_Del(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemoryStore()
	require.NoError(t, s.Set(ctx, "k", "v", 0))
	require.NoError(t, s.Del(ctx, "k"))
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}
