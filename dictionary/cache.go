package dictionary

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// ScanCache stores the raw results of repository scans. Visibility is never
// applied before caching, so one cached scan serves every caller.
type ScanCache interface {
	// Get returns the cached scan and true, or false on a miss or expiry.
	Get(ctx context.Context, table string, scope Scope) ([]MetadataEntry, bool, error)

	// Generation returns the table's invalidation counter. Read it before
	// scanning the repository and pass it to Set.
	Generation(ctx context.Context, table string) (int64, error)

	// Set stores the result of a scan taken at generation. The result is
	// dropped silently if the table was invalidated since then.
	Set(ctx context.Context, table string, scope Scope, generation int64, entries []MetadataEntry) error

	// Invalidate drops every cached scan of table and advances its
	// generation.
	Invalidate(ctx context.Context, table string) error
}

// CacheConfig holds configuration for scan caching.
type CacheConfig struct {
	// TTL is the time-to-live of a cached scan. Zero means no expiry;
	// entries are then dropped only by Invalidate.
	TTL time.Duration

	// Prefix namespaces keys in shared backends.
	Prefix string
}

// DefaultCacheConfig returns the defaults used by the server.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:    5 * time.Minute,
		Prefix: "dictionary:",
	}
}

// scopeKey returns a stable key for scope. Data type order does not matter.
// Values are JSON-encoded so separators inside names cannot collide.
func scopeKey(scope Scope) string {
	types := slices.Clone(scope.DataTypes)
	slices.Sort(types)
	types = slices.Compact(types)
	if types == nil {
		types = []string{}
	}
	key, _ := json.Marshal([]any{scope.Kind.String(), types, scope.FieldName, scope.DescribedOnly})
	return string(key)
}

func cloneEntries(entries []MetadataEntry) []MetadataEntry {
	if entries == nil {
		return nil
	}
	out := make([]MetadataEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
