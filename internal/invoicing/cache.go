package invoicing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

const summaryVersionKey = "invoicing:summary:version"

// SummaryCache stores unpaid summaries in redis under a version that is
// bumped whenever an invoice is generated, paid or voided. A nil cache
// always calls the loader.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewSummaryCache builds the cache.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SummaryCache{client: client, ttl: ttl}
}

// Version returns the current summary version, initialising it when missing.
func (c *SummaryCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, summaryVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, summaryVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, summaryVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Summary returns the cached summary for the scope or loads and stores it.
// Concurrent misses for the same key share one load.
func (c *SummaryCache) Summary(ctx context.Context, siteID, clientID int64, load func(context.Context) (UnpaidSummary, error)) (UnpaidSummary, error) {
	if c == nil || c.client == nil {
		return load(ctx)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return load(ctx)
	}
	key := fmt.Sprintf("%s:v%d", shared.InvoiceSummaryKey(siteID, clientID), ver)

	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var cached UnpaidSummary
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		summary, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(summary); err == nil {
			_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		}
		return summary, nil
	})
	select {
	case <-ctx.Done():
		return UnpaidSummary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return UnpaidSummary{}, res.Err
		}
		return res.Val.(UnpaidSummary), nil
	}
}

// Bump invalidates every cached summary.
func (c *SummaryCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, summaryVersionKey).Err()
}
