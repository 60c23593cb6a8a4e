package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates an in-memory Redis server for testing
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		redisClient.Close()
		mr.Close()
	})
	return redisClient, mr
}

func TestListingCacheHitMissInvalidate(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewListingCache(client, time.Minute)
	ctx := context.Background()

	loads := 0
	load := func() ([]media.ListEntry, error) {
		loads++
		return []media.ListEntry{{Name: "a.mp4", URL: "/api/video/a.mp4", Size: 3}}, nil
	}

	first, err := c.GetListing(ctx, media.FileTypeVideo, load)
	require.NoError(t, err)
	second, err := c.GetListing(ctx, media.FileTypeVideo, load)
	require.NoError(t, err)

	assert.Equal(t, 1, loads)
	assert.Equal(t, first, second)
	assert.True(t, mr.Exists("listing:video"))

	c.Invalidate(ctx, media.FileTypeVideo)
	_, err = c.GetListing(ctx, media.FileTypeVideo, load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("listing:video"))
}

func TestListingCacheLoadError(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewListingCache(client, time.Minute)

	_, err := c.GetListing(context.Background(), media.FileTypeImage, func() ([]media.ListEntry, error) {
		return nil, errors.New("disk gone")
	})
	assert.Error(t, err)
	assert.False(t, mr.Exists("listing:image"))
}

func TestClearCacheKeepsLocks(t *testing.T) {
	client, mr := setupTestRedis(t)
	require.NoError(t, mr.Set("listing:video", "[]"))
	require.NoError(t, mr.Set("listing:image", "[]"))
	require.NoError(t, mr.Set("upload_lock:video:u1", "token"))

	rec := httptest.NewRecorder()
	ClearCache(client)(rec, httptest.NewRequest(http.MethodPost, "/admin/cache/clear?type=listing", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data struct {
			DeletedKeys int `json:"deleted_keys"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Data.DeletedKeys)
	assert.True(t, mr.Exists("upload_lock:video:u1"))
}

func TestGetCacheStats(t *testing.T) {
	client, mr := setupTestRedis(t)
	require.NoError(t, mr.Set("listing:video", "[]"))
	require.NoError(t, mr.Set("upload_lock:video:u1", "token"))

	rec := httptest.NewRecorder()
	GetCacheStats(client)(rec, httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil))

	var body struct {
		Data CacheStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Data.RedisConnected)
	assert.Equal(t, 2, body.Data.KeyCount)
	assert.Equal(t, 1, body.Data.Locks)
	assert.Equal(t, []string{"listing:video"}, body.Data.CacheKeys)
}
