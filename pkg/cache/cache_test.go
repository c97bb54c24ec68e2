package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feeEntry struct {
	ChainID uint64 `json:"chain_id"`
	Wei     string `json:"wei"`
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, time.Minute)

	var got feeEntry
	assert.True(t, IsMiss(c.Get(ctx, "fee:1", &got)))

	entry := &feeEntry{ChainID: 1, Wei: "1000"}
	require.NoError(t, c.Set(ctx, "fee:1", entry, time.Minute))
	entry.Wei = "changed"

	require.NoError(t, c.Get(ctx, "fee:1", &got))
	assert.Equal(t, "1000", got.Wei, "缓存内容不应随原对象变化")

	require.NoError(t, c.Delete(ctx, "fee:1"))
	assert.True(t, IsMiss(c.Get(ctx, "fee:1", &got)))
}

func TestMultiLevelBackfillsLocal(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryCache(time.Minute, time.Minute)
	remote := NewMemoryCache(time.Minute, time.Minute)
	ml := NewMultiLevelCache(local, remote, time.Minute)

	require.NoError(t, remote.Set(ctx, "caps:1", feeEntry{ChainID: 1, Wei: "7"}, time.Minute))
	assert.Equal(t, 0, local.ItemCount())

	var got feeEntry
	require.NoError(t, ml.Get(ctx, "caps:1", &got))
	assert.Equal(t, "7", got.Wei)
	assert.Equal(t, 1, local.ItemCount(), "L2 命中后应回写 L1")

	require.NoError(t, ml.Delete(ctx, "caps:1"))
	assert.True(t, IsMiss(ml.Get(ctx, "caps:1", &got)))
}
