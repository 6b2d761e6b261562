package dictionary

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T, config CacheConfig) (*RedisScanCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisScanCache(client, config)
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})
	return cache, mr
}

func TestRedisScanCache_SetAndGet(t *testing.T) {
	cache, _ := setupTestRedis(t, DefaultCacheConfig())
	ctx := context.Background()
	scope := Scope{Kind: KindData, DataTypes: []string{"fooType"}}

	_, ok, err := cache.Get(ctx, "T", scope)
	require.NoError(t, err)
	assert.False(t, ok)

	entries := fooBarEntries()
	entries[0].ExtraInfo = map[string]string{"type": "string"}
	entries = append(entries, MetadataEntry{
		DataType: "e",
		Edge:     &EdgeRelationship{SourceField: "a", TargetField: "b", Relationship: "TO"},
	})
	require.NoError(t, cache.Set(ctx, "T", scope, 0, entries))

	got, ok, err := cache.Get(ctx, "T", scope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 3)
	assert.Equal(t, entries[0].Markings, got[0].Markings)
	assert.Equal(t, entries[0].ExtraInfo, got[0].ExtraInfo)
	assert.Equal(t, "my bar field", got[1].Description)
	assert.True(t, entries[0].LastUpdated.Equal(got[0].LastUpdated))
	require.NotNil(t, got[2].Edge)
	assert.Equal(t, "TO", got[2].Edge.Relationship)
}

func TestRedisScanCache_TTL(t *testing.T) {
	cache, mr := setupTestRedis(t, CacheConfig{TTL: time.Minute, Prefix: "test:"})
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "T", Scope{}, 0, fooBarEntries()))
	assert.True(t, mr.Exists("test:T:"+scopeKey(Scope{})))

	mr.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, "T", Scope{})
	require.NoError(t, err)
	assert.False(t, ok, "scan should expire after the TTL")
}

func TestRedisScanCache_Invalidate(t *testing.T) {
	cache, mr := setupTestRedis(t, DefaultCacheConfig())
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "T", Scope{Kind: KindData}, 0, fooBarEntries()))
	require.NoError(t, cache.Set(ctx, "T", Scope{Kind: KindEdge}, 0, nil))
	require.NoError(t, cache.Set(ctx, "U", Scope{Kind: KindData}, 0, fooBarEntries()))

	require.NoError(t, cache.Invalidate(ctx, "T"))

	_, ok, _ := cache.Get(ctx, "T", Scope{Kind: KindData})
	assert.False(t, ok)
	_, ok, _ = cache.Get(ctx, "T", Scope{Kind: KindEdge})
	assert.False(t, ok)
	_, ok, _ = cache.Get(ctx, "U", Scope{Kind: KindData})
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{
		"dictionary:T#generation",
		"dictionary:U:" + scopeKey(Scope{Kind: KindData}),
	}, mr.Keys())
}

func TestRedisScanCache_RejectsStaleGeneration(t *testing.T) {
	cache, _ := setupTestRedis(t, DefaultCacheConfig())
	ctx := context.Background()

	before, err := cache.Generation(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, int64(0), before)

	require.NoError(t, cache.Invalidate(ctx, "T"))
	after, err := cache.Generation(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	require.NoError(t, cache.Set(ctx, "T", Scope{}, before, fooBarEntries()))
	_, ok, err := cache.Get(ctx, "T", Scope{})
	require.NoError(t, err)
	assert.False(t, ok, "scan taken before an invalidation should not be cached")

	require.NoError(t, cache.Set(ctx, "T", Scope{}, after, fooBarEntries()))
	_, ok, err = cache.Get(ctx, "T", Scope{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisScanCache_ServerDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	cache := NewRedisScanCache(client, DefaultCacheConfig())
	defer cache.Close()

	_, ok, err := cache.Get(context.Background(), "T", Scope{})
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestCachingRepositoryWithRedis(t *testing.T) {
	cache, _ := setupTestRedis(t, DefaultCacheConfig())
	inner := &countingRepository{InMemoryRepository: NewInMemoryRepository()}
	inner.Load(fooBarEntries()...)
	repo := NewCachingRepository(inner, "DatawaveMetadata", cache)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := repo.Scan(ctx, Scope{Kind: KindData})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	}
	assert.Equal(t, 1, inner.scans)

	require.NoError(t, repo.UpsertDescription(ctx, mutation("fooType", "fooField", "changed", "USER")))
	_, err := repo.Scan(ctx, Scope{Kind: KindData})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.scans)
}
