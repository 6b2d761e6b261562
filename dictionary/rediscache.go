package dictionary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisScanCache implements ScanCache on Redis so that several server
// instances share scans. Values are JSON-encoded entry lists.
type RedisScanCache struct {
	client *redis.Client
	config CacheConfig
}

var _ ScanCache = (*RedisScanCache)(nil)

// NewRedisScanCache creates a Redis-backed scan cache using client.
func NewRedisScanCache(client *redis.Client, config CacheConfig) *RedisScanCache {
	return &RedisScanCache{
		client: client,
		config: config,
	}
}

func (c *RedisScanCache) tablePrefix(table string) string {
	return c.config.Prefix + table + ":"
}

// generationKey sits outside the table prefix so Invalidate never deletes it.
func (c *RedisScanCache) generationKey(table string) string {
	return c.config.Prefix + table + "#generation"
}

func (c *RedisScanCache) key(table string, scope Scope) string {
	return c.tablePrefix(table) + scopeKey(scope)
}

// Get implements ScanCache.
func (c *RedisScanCache) Get(ctx context.Context, table string, scope Scope) ([]MetadataEntry, bool, error) {
	value, err := c.client.Get(ctx, c.key(table, scope)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cached scan: %w", err)
	}

	var entries []MetadataEntry
	if err := json.Unmarshal(value, &entries); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached scan: %w", err)
	}
	return entries, true, nil
}

// Generation implements ScanCache.
func (c *RedisScanCache) Generation(ctx context.Context, table string) (int64, error) {
	return readGeneration(c.client.Get(ctx, c.generationKey(table)))
}

func readGeneration(cmd *redis.StringCmd) (int64, error) {
	generation, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return generation, nil
}

// Set implements ScanCache. The generation key is watched so a concurrent
// Invalidate aborts the write.
func (c *RedisScanCache) Set(ctx context.Context, table string, scope Scope, generation int64, entries []MetadataEntry) error {
	value, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode scan: %w", err)
	}

	generationKey := c.generationKey(table)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(tx.Get(ctx, generationKey))
		if err != nil {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(table, scope), value, c.config.TTL)
			return nil
		})
		return err
	}, generationKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to cache scan: %w", err)
	}
	return nil
}

// Invalidate implements ScanCache. The generation is advanced before the
// table's keys are deleted: a Set holding the old generation either commits
// before the deletion or fails its WATCH.
func (c *RedisScanCache) Invalidate(ctx context.Context, table string) error {
	if err := c.client.Incr(ctx, c.generationKey(table)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", table, err)
	}
	iter := c.client.Scan(ctx, 0, c.tablePrefix(table)+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to invalidate %s: %w", table, err)
		}
	}
	return iter.Err()
}

// Close closes the Redis connection.
func (c *RedisScanCache) Close() error {
	return c.client.Close()
}
