package database

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const DefaultSchemaTTL = 5 * time.Minute

const schemaKey = "schema"

// SchemaCache wraps a Database and keeps its schema snapshot for a fixed TTL.
// Execute and Ping pass straight through.
type SchemaCache struct {
	db    Database
	ttl   time.Duration
	cache *ristretto.Cache[string, Schema]
}

func NewSchemaCache(db Database, ttl time.Duration) (*SchemaCache, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if ttl <= 0 {
		ttl = DefaultSchemaTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Schema]{
		NumCounters: 100,
		MaxCost:     10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &SchemaCache{db: db, ttl: ttl, cache: cache}, nil
}

func (c *SchemaCache) Execute(ctx context.Context, sqlText string) (Rows, error) {
	return c.db.Execute(ctx, sqlText)
}

func (c *SchemaCache) Ping(ctx context.Context) error {
	return c.db.Ping(ctx)
}

func (c *SchemaCache) Schema(ctx context.Context) (Schema, error) {
	if schema, ok := c.cache.Get(schemaKey); ok {
		return schema, nil
	}
	schema, err := c.db.Schema(ctx)
	if err != nil {
		return Schema{}, err
	}
	c.cache.SetWithTTL(schemaKey, schema, 1, c.ttl)
	c.cache.Wait()
	return schema, nil
}

// Invalidate drops the cached snapshot so the next Schema call introspects again.
func (c *SchemaCache) Invalidate() {
	c.cache.Del(schemaKey)
}

func (c *SchemaCache) Close() {
	c.cache.Close()
}
