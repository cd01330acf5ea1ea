// Package cache is a Redis-backed read cache for DID record snapshots.
// Status lookups hit it first; every lifecycle mutation invalidates the
// entry so a stale state is bounded by the TTL even under write races.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"facedid/internal/did/models"
)

const keyPrefix = "facedid:record:"

// Miss is returned by Get when the record is not cached.
var Miss = errors.New("cache miss")

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New returns nil when client is nil so callers can treat caching as
// optional without branching at every site.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Get(ctx context.Context, id string) (*models.DIDRecord, error) {
	if c == nil {
		return nil, Miss
	}
	raw, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, Miss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", id, err)
	}
	var record models.DIDRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("cache decode %s: %w", id, err)
	}
	return &record, nil
}

func (c *Cache) Set(ctx context.Context, record *models.DIDRecord) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", record.ID, err)
	}
	if err := c.client.Set(ctx, keyPrefix+record.ID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", record.ID, err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, id string) error {
	if c == nil {
		return nil
	}
	if err := c.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", id, err)
	}
	return nil
}
