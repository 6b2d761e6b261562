package dictionary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/liamcoop/datadictionary/visibility"
)

func TestScopeKeyIgnoresDataTypeOrder(t *testing.T) {
	a := scopeKey(Scope{Kind: KindData, DataTypes: []string{"b", "a", "a"}})
	b := scopeKey(Scope{Kind: KindData, DataTypes: []string{"a", "b"}})
	if a != b {
		t.Errorf("scopeKey differs for equivalent scopes: %q vs %q", a, b)
	}
	if scopeKey(Scope{Kind: KindData}) == scopeKey(Scope{Kind: KindEdge}) {
		t.Error("data and edge scopes must not share a key")
	}
	if scopeKey(Scope{Kind: KindData}) == scopeKey(Scope{Kind: KindData, DescribedOnly: true}) {
		t.Error("described-only scopes must not share a key with full scans")
	}
}

func TestScopeKeySeparatorsInNames(t *testing.T) {
	testCases := []struct {
		name string
		a, b Scope
	}{
		{
			"Pipe in field name",
			Scope{Kind: KindData, DataTypes: []string{"a"}, FieldName: "b|", DescribedOnly: true},
			Scope{Kind: KindData, DataTypes: []string{"a|b"}, DescribedOnly: true},
		},
		{
			"Comma in data type",
			Scope{Kind: KindData, DataTypes: []string{"a,b"}},
			Scope{Kind: KindData, DataTypes: []string{"a", "b"}},
		},
		{
			"Empty data type",
			Scope{Kind: KindData, DataTypes: []string{""}},
			Scope{Kind: KindData},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if a, b := scopeKey(tc.a), scopeKey(tc.b); a == b {
				t.Errorf("distinct scopes share key %q", a)
			}
		})
	}
}

func TestInMemoryScanCacheGetSet(t *testing.T) {
	cache := NewInMemoryScanCache(CacheConfig{})
	ctx := context.Background()
	scope := Scope{Kind: KindData}

	if _, ok, _ := cache.Get(ctx, "T", scope); ok {
		t.Fatal("empty cache should miss")
	}

	entries := fooBarEntries()
	if err := cache.Set(ctx, "T", scope, 0, entries); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	entries[0].Markings[visibility.ColumnVisibility] = "MUTATED"

	got, ok, err := cache.Get(ctx, "T", scope)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, want hit", ok, err)
	}
	if diff := cmp.Diff(fooBarEntries(), got); diff != "" {
		t.Errorf("cached scan mismatch (-want +got):\n%s", diff)
	}

	if _, ok, _ := cache.Get(ctx, "Other", scope); ok {
		t.Error("scans of another table should miss")
	}
}

func TestInMemoryScanCacheTTL(t *testing.T) {
	cache := NewInMemoryScanCache(CacheConfig{TTL: time.Minute})
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cache.Set(ctx, "T", Scope{}, 0, fooBarEntries())

	now = now.Add(30 * time.Second)
	if _, ok, _ := cache.Get(ctx, "T", Scope{}); !ok {
		t.Error("scan should still be cached within the TTL")
	}

	now = now.Add(time.Minute)
	if _, ok, _ := cache.Get(ctx, "T", Scope{}); ok {
		t.Error("scan should expire after the TTL")
	}
}

func TestInMemoryScanCacheInvalidate(t *testing.T) {
	cache := NewInMemoryScanCache(CacheConfig{})
	ctx := context.Background()

	_ = cache.Set(ctx, "T", Scope{Kind: KindData}, 0, fooBarEntries())
	_ = cache.Set(ctx, "T", Scope{Kind: KindEdge}, 0, nil)
	_ = cache.Set(ctx, "U", Scope{Kind: KindData}, 0, fooBarEntries())

	if err := cache.Invalidate(ctx, "T"); err != nil {
		t.Fatalf("Invalidate() failed: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "T", Scope{Kind: KindData}); ok {
		t.Error("invalidated table should miss")
	}
	if _, ok, _ := cache.Get(ctx, "T", Scope{Kind: KindEdge}); ok {
		t.Error("every scope of an invalidated table should miss")
	}
	if _, ok, _ := cache.Get(ctx, "U", Scope{Kind: KindData}); !ok {
		t.Error("other tables should stay cached")
	}
}

func TestInMemoryScanCacheRejectsStaleGeneration(t *testing.T) {
	cache := NewInMemoryScanCache(CacheConfig{})
	ctx := context.Background()

	before, _ := cache.Generation(ctx, "T")
	if err := cache.Invalidate(ctx, "T"); err != nil {
		t.Fatalf("Invalidate() failed: %v", err)
	}
	after, _ := cache.Generation(ctx, "T")
	if after == before {
		t.Fatalf("Invalidate() did not advance the generation (%d)", after)
	}

	if err := cache.Set(ctx, "T", Scope{}, before, fooBarEntries()); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "T", Scope{}); ok {
		t.Error("scan taken before an invalidation should not be cached")
	}

	if err := cache.Set(ctx, "T", Scope{}, after, fooBarEntries()); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "T", Scope{}); !ok {
		t.Error("scan taken at the current generation should be cached")
	}
}

// countingRepository counts scans reaching the wrapped repository.
type countingRepository struct {
	*InMemoryRepository
	scans int
}

func (r *countingRepository) Scan(ctx context.Context, scope Scope) ([]MetadataEntry, error) {
	r.scans++
	return r.InMemoryRepository.Scan(ctx, scope)
}

func TestCachingRepositoryWritesThrough(t *testing.T) {
	inner := &countingRepository{InMemoryRepository: NewInMemoryRepository()}
	inner.Load(fooBarEntries()...)
	repo := NewCachingRepository(inner, "T", NewInMemoryScanCache(CacheConfig{}))
	ctx := context.Background()
	scope := Scope{Kind: KindData}

	for i := 0; i < 3; i++ {
		if _, err := repo.Scan(ctx, scope); err != nil {
			t.Fatalf("Scan() failed: %v", err)
		}
	}
	if inner.scans != 1 {
		t.Errorf("underlying repository scanned %d times, want 1", inner.scans)
	}

	if err := repo.UpsertDescription(ctx, mutation("fooType", "fooField", "new text", "USER")); err != nil {
		t.Fatalf("UpsertDescription() failed: %v", err)
	}
	got, err := repo.Scan(ctx, scope)
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if inner.scans != 2 {
		t.Errorf("mutation should invalidate cached scans, underlying scans = %d", inner.scans)
	}
	if len(got) != 3 {
		t.Errorf("scan after upsert returned %d entries, want 3", len(got))
	}

	err = repo.DeleteDescription(ctx, DescriptionKey{DataType: "nope", FieldName: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteDescription() error = %v, want ErrNotFound", err)
	}
}

// gatedRepository blocks scans until release is closed, signalling on
// started once a scan is in flight.
type gatedRepository struct {
	*InMemoryRepository
	gate    bool
	started chan struct{}
	release chan struct{}
}

func (r *gatedRepository) Scan(ctx context.Context, scope Scope) ([]MetadataEntry, error) {
	if !r.gate {
		return r.InMemoryRepository.Scan(ctx, scope)
	}
	r.gate = false
	entries, err := r.InMemoryRepository.Scan(ctx, scope)
	close(r.started)
	<-r.release
	return entries, err
}

func TestCachingRepositoryDropsScanRacingWrite(t *testing.T) {
	inner := &gatedRepository{
		InMemoryRepository: NewInMemoryRepository(),
		gate:               true,
		started:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	inner.Load(MetadataEntry{DataType: "fooType", FieldName: "fooField"})
	repo := NewCachingRepository(inner, "T", NewInMemoryScanCache(CacheConfig{}))
	ctx := context.Background()
	scope := Scope{Kind: KindData, DescribedOnly: true}

	done := make(chan error, 1)
	go func() {
		_, err := repo.Scan(ctx, scope)
		done <- err
	}()
	<-inner.started

	if err := repo.UpsertDescription(ctx, mutation("fooType", "fooField", "written", "")); err != nil {
		t.Fatalf("UpsertDescription() failed: %v", err)
	}
	close(inner.release)
	if err := <-done; err != nil {
		t.Fatalf("racing Scan() failed: %v", err)
	}

	got, err := repo.Scan(ctx, scope)
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if len(got) != 1 || got[0].Description != "written" {
		t.Errorf("Scan() after write = %+v, want the written description", got)
	}
}

// failingCache fails every operation.
type failingCache struct{}

func (failingCache) Get(context.Context, string, Scope) ([]MetadataEntry, bool, error) {
	return nil, false, errors.New("cache down")
}

func (failingCache) Generation(context.Context, string) (int64, error) {
	return 0, errors.New("cache down")
}

func (failingCache) Set(context.Context, string, Scope, int64, []MetadataEntry) error {
	return errors.New("cache down")
}

func (failingCache) Invalidate(context.Context, string) error {
	return errors.New("cache down")
}

func TestCachingRepositorySurvivesCacheFailure(t *testing.T) {
	inner := NewInMemoryRepository()
	inner.Load(fooBarEntries()...)
	repo := NewCachingRepository(inner, "T", failingCache{})
	ctx := context.Background()

	got, err := repo.Scan(ctx, Scope{Kind: KindData})
	if err != nil {
		t.Fatalf("Scan() should fall back to the repository: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Scan() returned %d entries, want 2", len(got))
	}
	if err := repo.UpsertDescription(ctx, mutation("t", "f", "d", "")); err != nil {
		t.Errorf("UpsertDescription() should not fail on cache errors: %v", err)
	}
}
