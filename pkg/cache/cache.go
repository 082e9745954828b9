// Package cache fronts result lookups with Redis so verification portals
// do not hit the database for every QR scan. Absence of Redis degrades to
// pass-through; the ledger stays authoritative.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// DefaultTTL bounds staleness after a recheck changes a result.
const DefaultTTL = 15 * time.Minute

// ResultCache caches published results by sheet ID and roll number.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis at addr. db selects the logical database.
func New(addr, password string, db int) *ResultCache {
	return &ResultCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: DefaultTTL,
	}
}

// NewWithClient wraps an existing client; tests inject miniature servers
// through this.
func NewWithClient(client *redis.Client) *ResultCache {
	return &ResultCache{client: client, ttl: DefaultTTL}
}

// WithTTL overrides the entry lifetime.
func (c *ResultCache) WithTTL(ttl time.Duration) *ResultCache {
	c.ttl = ttl
	return c
}

func sheetKey(sheetID string) string { return "result:sheet:" + sheetID }

func rollKey(rollNumber, examID string) string {
	return fmt.Sprintf("result:roll:%s:%s", rollNumber, examID)
}

// Put stores a published result under both lookup keys.
func (c *ResultCache) Put(ctx context.Context, examID string, r *domain.Result) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, sheetKey(r.SheetID), raw, c.ttl)
	pipe.Set(ctx, rollKey(r.RollNumber, examID), raw, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Wrap(domain.KindExternalFailed, err, "cache result %s", r.SheetID)
	}
	return nil
}

// GetBySheet returns the cached result, or (nil, nil) on a miss.
func (c *ResultCache) GetBySheet(ctx context.Context, sheetID string) (*domain.Result, error) {
	return c.get(ctx, sheetKey(sheetID))
}

// GetByRoll returns the cached result for a roll number, or (nil, nil).
func (c *ResultCache) GetByRoll(ctx context.Context, rollNumber, examID string) (*domain.Result, error) {
	return c.get(ctx, rollKey(rollNumber, examID))
}

func (c *ResultCache) get(ctx context.Context, key string) (*domain.Result, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, domain.Wrap(domain.KindExternalFailed, err, "cache get %s", key)
	}
	var r domain.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, domain.Wrap(domain.KindExternalFailed, err, "cache decode %s", key)
	}
	return &r, nil
}

// Invalidate drops a sheet's cached result, e.g. when a recheck lands.
func (c *ResultCache) Invalidate(ctx context.Context, examID string, r *domain.Result) error {
	if err := c.client.Del(ctx, sheetKey(r.SheetID), rollKey(r.RollNumber, examID)).Err(); err != nil {
		return domain.Wrap(domain.KindExternalFailed, err, "cache invalidate %s", r.SheetID)
	}
	return nil
}

// Ping checks connectivity for the health endpoint.
func (c *ResultCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
