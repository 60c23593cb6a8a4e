package cache

import (
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/hou-li-xie/media-service/internal/utils/response"
)

// CacheStats represents cache statistics
type CacheStats struct {
	RedisConnected bool     `json:"redis_connected"`
	CacheKeys      []string `json:"cache_keys_sample"`
	KeyCount       int      `json:"total_keys"`
	Sessions       int      `json:"upload_sessions"`
	Locks          int      `json:"upload_locks"`
}

// patterns maps the type query parameter of the admin endpoints to key globs.
var patterns = map[string]string{
	"listing":   "listing:*",
	"sessions":  "upload_session:*",
	"ratelimit": "rate_limit:*",
}

// GetCacheStats returns cache statistics
func GetCacheStats(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		stats := CacheStats{RedisConnected: true}

		if err := redisClient.Ping(ctx).Err(); err != nil {
			stats.RedisConnected = false
			response.WriteJSON(w, http.StatusOK, response.RequestOK("Cache stats retrieved", stats))
			return
		}

		if keys, err := redisClient.Keys(ctx, "listing:*").Result(); err == nil {
			stats.CacheKeys = keys
			if len(stats.CacheKeys) > 10 {
				stats.CacheKeys = stats.CacheKeys[:10]
			}
		}
		if keys, err := redisClient.Keys(ctx, "upload_session:*:chunks").Result(); err == nil {
			stats.Sessions = len(keys)
		}
		if keys, err := redisClient.Keys(ctx, "upload_lock:*").Result(); err == nil {
			stats.Locks = len(keys)
		}
		if size, err := redisClient.DBSize(ctx).Result(); err == nil {
			stats.KeyCount = int(size)
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Cache stats retrieved", stats))
	}
}

// ClearCache endpoint for administrative purposes. Upload locks are never
// cleared from here.
func ClearCache(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		pattern, ok := patterns[r.URL.Query().Get("type")]
		if !ok {
			pattern = patterns["listing"]
		}

		keys, err := redisClient.Keys(ctx, pattern).Result()
		if err != nil {
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		if len(keys) == 0 {
			result := map[string]any{
				"pattern":      pattern,
				"deleted_keys": 0,
			}
			response.WriteJSON(w, http.StatusOK, response.RequestOK("No cache keys to clear", result))
			return
		}

		deleted, err := redisClient.Del(ctx, keys...).Result()
		if err != nil {
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		result := map[string]any{
			"pattern":      pattern,
			"deleted_keys": deleted,
			"keys_sample":  keys[:min(len(keys), 5)],
		}
		response.WriteJSON(w, http.StatusOK, response.RequestOK("Cache cleared successfully", result))
	}
}
