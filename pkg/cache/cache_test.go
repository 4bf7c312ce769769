package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpilot/flowpilot/pkg/cache"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New("redis://"+mr.Addr(), true)
	require.NoError(t, err)
	return c
}

func TestSetThenGet_RoundTrips(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		Allow bool `json:"allow"`
	}
	c.Set(ctx, cache.FamilyAuthz, "u1:wf1", payload{Allow: true}, time.Minute)

	var out payload
	found := c.Get(ctx, cache.FamilyAuthz, "u1:wf1", &out)
	assert.True(t, found)
	assert.True(t, out.Allow)
}

func TestGet_MissReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	var out map[string]any
	found := c.Get(context.Background(), cache.FamilyPersona, "missing", &out)
	assert.False(t, found)
}

func TestInvalidate_RemovesFamilyPrefixedKeys(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, cache.FamilyPersona, "u1:a", "x", time.Minute)
	c.Set(ctx, cache.FamilyPersona, "u1:b", "y", time.Minute)
	c.Set(ctx, cache.FamilyPersona, "u2:a", "z", time.Minute)

	c.Invalidate(ctx, cache.FamilyPersona, "u1")

	var out string
	assert.False(t, c.Get(ctx, cache.FamilyPersona, "u1:a", &out))
	assert.False(t, c.Get(ctx, cache.FamilyPersona, "u1:b", &out))
	assert.True(t, c.Get(ctx, cache.FamilyPersona, "u2:a", &out))
}

func TestNilCache_IsNoOp(t *testing.T) {
	var c *cache.Cache
	var out string
	assert.False(t, c.Get(context.Background(), cache.FamilyAuthz, "k", &out))
	c.Set(context.Background(), cache.FamilyAuthz, "k", "v", time.Minute)
	c.Invalidate(context.Background(), cache.FamilyAuthz, "k")
}

func TestDisabledCache_IsNoOp(t *testing.T) {
	c, err := cache.New("", false)
	require.NoError(t, err)
	var out string
	assert.False(t, c.Get(context.Background(), cache.FamilyAuthz, "k", &out))
}
