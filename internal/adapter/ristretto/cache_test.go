package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Strob0t/botleague/internal/adapter/ristretto"
	"github.com/Strob0t/botleague/internal/port/cache/cachetest"
)

func newCache(t *testing.T) *ristretto.Cache {
	t.Helper()
	c, err := ristretto.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCacheCompliance(t *testing.T) {
	cachetest.RunComplianceTests(t, newCache(t))
}

func TestCacheStats(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "eval_abc", []byte(`{"status":"finished"}`), time.Minute))
	_, ok, _ := c.Get(ctx, "eval_abc")
	require.True(t, ok)
	_, ok, _ = c.Get(ctx, "eval_missing")
	require.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}
