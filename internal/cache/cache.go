package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hou-li-xie/media-service/internal/types/media"
)

// Cache key patterns
const (
	ListingKey = "listing:%s" // listing:fileType
)

// Cache durations
const (
	DefaultListingDuration = 30 * time.Second
)

// ListingCache keeps directory listings in Redis. Publishing an artifact
// invalidates the listing of its type.
type ListingCache struct {
	redis    *redis.Client
	duration time.Duration
}

func NewListingCache(redisClient *redis.Client, duration time.Duration) *ListingCache {
	if duration <= 0 {
		duration = DefaultListingDuration
	}
	return &ListingCache{redis: redisClient, duration: duration}
}

// GetListing returns the cached listing or calls load and caches its result.
func (c *ListingCache) GetListing(ctx context.Context, fileType media.FileType, load func() ([]media.ListEntry, error)) ([]media.ListEntry, error) {
	key := fmt.Sprintf(ListingKey, fileType)

	// Try cache first
	cached, err := c.redis.Get(ctx, key).Result()
	if err == nil {
		var entries []media.ListEntry
		if err := json.Unmarshal([]byte(cached), &entries); err == nil {
			return entries, nil
		}
	}

	// Cache miss - read the directory
	entries, err := load()
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(entries)
	c.redis.Set(ctx, key, data, c.duration)

	return entries, nil
}

func (c *ListingCache) Invalidate(ctx context.Context, fileType media.FileType) {
	c.redis.Del(ctx, fmt.Sprintf(ListingKey, fileType))
}
