// Package tables keeps one dictionary repository per metadata table.
package tables

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"

	"github.com/liamcoop/datadictionary/dictionary"
	"github.com/liamcoop/datadictionary/internal/logger"
)

// Factory builds the repository serving one metadata table.
type Factory func(table string) (dictionary.Repository, error)

// Registry maps metadata table names to repositories. It satisfies
// dictionary.RepositoryProvider and is safe for concurrent use.
type Registry struct {
	tables  map[string]dictionary.Repository
	factory Factory
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry building repositories with factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		tables:  make(map[string]dictionary.Repository),
		factory: factory,
	}
}

// Create builds and registers the repository for table. Creating a table
// that is already registered is a no-op.
func (r *Registry) Create(table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables[table]; exists {
		return nil
	}
	repo, err := r.factory(table)
	if err != nil {
		return fmt.Errorf("failed to create repository for %s: %w", table, err)
	}
	r.tables[table] = repo
	return nil
}

// Register installs repo for table, replacing any existing repository.
func (r *Registry) Register(table string, repo dictionary.Repository) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}

	r.mu.Lock()
	r.tables[table] = repo
	r.mu.Unlock()
	return nil
}

// Repository implements dictionary.RepositoryProvider.
func (r *Registry) Repository(table string) (dictionary.Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	repo, exists := r.tables[table]
	if !exists {
		return nil, fmt.Errorf("metadata table %s: %w", table, dictionary.ErrNotFound)
	}
	return repo, nil
}

// LoadAll registers every metadata table found in db. It returns the number
// of tables newly registered.
func (r *Registry) LoadAll(ctx context.Context, db *sql.DB) (int, error) {
	names, err := dictionary.ListTables(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch metadata tables: %w", err)
	}

	loaded := 0
	for _, name := range names {
		if r.Has(name) {
			continue
		}
		if err := r.Create(name); err != nil {
			logger.Warn("skipping metadata table", "table", name, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Has reports whether table is registered.
func (r *Registry) Has(table string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tables[table]
	return exists
}

// List returns the registered table names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Remove unregisters table. Stored metadata is left untouched.
func (r *Registry) Remove(table string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables[table]; !exists {
		return fmt.Errorf("metadata table %s: %w", table, dictionary.ErrNotFound)
	}
	delete(r.tables, table)
	return nil
}

// PostgresFactory builds Postgres repositories over db, caching scans in
// cache when it is not nil.
func PostgresFactory(db *sql.DB, cache dictionary.ScanCache) Factory {
	return func(table string) (dictionary.Repository, error) {
		return withCache(dictionary.NewPostgresRepository(db, table), table, cache), nil
	}
}

// MemoryFactory builds in-memory repositories pre-loaded with the entries
// seed holds for their table.
func MemoryFactory(seed map[string][]dictionary.MetadataEntry, cache dictionary.ScanCache) Factory {
	return func(table string) (dictionary.Repository, error) {
		repo := dictionary.NewInMemoryRepository()
		repo.Load(seed[table]...)
		return withCache(repo, table, cache), nil
	}
}

func withCache(repo dictionary.Repository, table string, cache dictionary.ScanCache) dictionary.Repository {
	if cache == nil {
		return repo
	}
	return dictionary.NewCachingRepository(repo, table, cache)
}
