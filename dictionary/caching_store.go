package dictionary

import (
	"context"

	"github.com/liamcoop/datadictionary/internal/logger"
)

// CachingRepository wraps a Repository with a ScanCache. Scans are served
// from the cache when possible; mutations go to the underlying repository
// and then invalidate every cached scan of the table.
//
// Cache failures never fail a request: they are logged and the underlying
// repository is used instead.
type CachingRepository struct {
	Repository
	table string
	cache ScanCache
}

var _ Repository = (*CachingRepository)(nil)

// NewCachingRepository wraps repo, caching its scans under table.
func NewCachingRepository(repo Repository, table string, cache ScanCache) *CachingRepository {
	return &CachingRepository{Repository: repo, table: table, cache: cache}
}

// Scan implements Repository.
func (r *CachingRepository) Scan(ctx context.Context, scope Scope) ([]MetadataEntry, error) {
	entries, ok, err := r.cache.Get(ctx, r.table, scope)
	if err != nil {
		logger.Warn("scan cache read failed", "table", r.table, "error", err)
	}
	if ok {
		return entries, nil
	}

	// A write landing during the scan advances the generation, and the stale
	// result is then not cached.
	generation, genErr := r.cache.Generation(ctx, r.table)
	entries, err = r.Repository.Scan(ctx, scope)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		logger.Warn("scan cache generation unavailable", "table", r.table, "error", genErr)
		return entries, nil
	}
	if err := r.cache.Set(ctx, r.table, scope, generation, entries); err != nil {
		logger.Warn("scan cache write failed", "table", r.table, "error", err)
	}
	return entries, nil
}

// UpsertDescription implements Repository.
func (r *CachingRepository) UpsertDescription(ctx context.Context, m DescriptionMutation) error {
	err := r.Repository.UpsertDescription(ctx, m)
	r.invalidate(ctx)
	return err
}

// DeleteDescription implements Repository.
func (r *CachingRepository) DeleteDescription(ctx context.Context, key DescriptionKey) error {
	err := r.Repository.DeleteDescription(ctx, key)
	r.invalidate(ctx)
	return err
}

// invalidate runs even when the mutation failed, since a failed write may
// still have been applied by the backend.
func (r *CachingRepository) invalidate(ctx context.Context) {
	if err := r.cache.Invalidate(context.WithoutCancel(ctx), r.table); err != nil {
		logger.Warn("scan cache invalidation failed", "table", r.table, "error", err)
	}
}
