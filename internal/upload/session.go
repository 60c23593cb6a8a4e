package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/jellydator/ttlcache/v3"
)

// SessionTable keeps the declared metadata of uploads in flight. The chunk
// files on disk stay the source of truth for which indices arrived.
type SessionTable interface {
	Create(ctx context.Context, s media.UploadSession) error
	Get(ctx context.Context, uploadID string) (media.UploadSession, bool, error)
	MarkReceived(ctx context.Context, uploadID string, index int) error
	Delete(ctx context.Context, uploadID string) error
}

// MemorySessions is a SessionTable held in process memory.
type MemorySessions struct {
	mu     sync.Mutex
	cache  *ttlcache.Cache[string, media.UploadSession]
	expire time.Duration
	now    func() time.Time
}

func NewMemorySessions(expire time.Duration) *MemorySessions {
	cache := ttlcache.New[string, media.UploadSession](
		ttlcache.WithTTL[string, media.UploadSession](expire),
		ttlcache.WithDisableTouchOnHit[string, media.UploadSession](),
	)
	go cache.Start()

	return &MemorySessions{cache: cache, expire: expire, now: time.Now}
}

// Close stops the expiry loop.
func (m *MemorySessions) Close() {
	m.cache.Stop()
}

func (m *MemorySessions) Create(_ context.Context, s media.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ttl := s.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		ttl = m.expire
	}
	m.cache.Set(s.UploadID, s, ttl)
	return nil
}

func (m *MemorySessions) Get(_ context.Context, uploadID string) (media.UploadSession, bool, error) {
	item := m.cache.Get(uploadID)
	if item == nil {
		return media.UploadSession{}, false, nil
	}
	s := item.Value()
	s.ReceivedChunks = slices.Clone(s.ReceivedChunks)
	return s, true, nil
}

// MarkReceived records index and pushes the expiry forward. Unknown uploads
// are ignored: legacy clients never create a session.
func (m *MemorySessions) MarkReceived(_ context.Context, uploadID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.cache.Get(uploadID)
	if item == nil {
		return nil
	}
	s := item.Value()
	if !slices.Contains(s.ReceivedChunks, index) {
		s.ReceivedChunks = append(slices.Clone(s.ReceivedChunks), index)
		slices.Sort(s.ReceivedChunks)
	}
	s.ExpiresAt = m.now().Add(m.expire)
	m.cache.Set(uploadID, s, m.expire)
	return nil
}

func (m *MemorySessions) Delete(_ context.Context, uploadID string) error {
	m.cache.Delete(uploadID)
	return nil
}

const (
	sessionKeyPattern = "upload_session:%s"
	chunkSetPattern   = "upload_session:%s:chunks"
)

// RedisSessions stores sessions as a JSON document plus a set of received
// indices so several server instances can serve the same upload.
type RedisSessions struct {
	redis  *redis.Client
	expire time.Duration
	now    func() time.Time
}

func NewRedisSessions(client *redis.Client, expire time.Duration) *RedisSessions {
	return &RedisSessions{redis: client, expire: expire, now: time.Now}
}

func (r *RedisSessions) Create(ctx context.Context, s media.UploadSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	ttl := s.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		ttl = r.expire
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(sessionKeyPattern, s.UploadID), data, ttl)
	pipe.Del(ctx, fmt.Sprintf(chunkSetPattern, s.UploadID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *RedisSessions) Get(ctx context.Context, uploadID string) (media.UploadSession, bool, error) {
	raw, err := r.redis.Get(ctx, fmt.Sprintf(sessionKeyPattern, uploadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return media.UploadSession{}, false, nil
	}
	if err != nil {
		return media.UploadSession{}, false, fmt.Errorf("load session: %w", err)
	}

	var s media.UploadSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return media.UploadSession{}, false, fmt.Errorf("decode session: %w", err)
	}

	members, err := r.redis.SMembers(ctx, fmt.Sprintf(chunkSetPattern, uploadID)).Result()
	if err != nil {
		return media.UploadSession{}, false, fmt.Errorf("load received chunks: %w", err)
	}
	s.ReceivedChunks = make([]int, 0, len(members))
	for _, m := range members {
		if i, err := strconv.Atoi(m); err == nil {
			s.ReceivedChunks = append(s.ReceivedChunks, i)
		}
	}
	slices.Sort(s.ReceivedChunks)

	if ttl, err := r.redis.PTTL(ctx, fmt.Sprintf(sessionKeyPattern, uploadID)).Result(); err == nil && ttl > 0 {
		s.ExpiresAt = r.now().Add(ttl).UTC()
	}

	return s, true, nil
}

func (r *RedisSessions) MarkReceived(ctx context.Context, uploadID string, index int) error {
	key := fmt.Sprintf(sessionKeyPattern, uploadID)

	exists, err := r.redis.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return nil
	}

	setKey := fmt.Sprintf(chunkSetPattern, uploadID)
	pipe := r.redis.TxPipeline()
	pipe.SAdd(ctx, setKey, index)
	pipe.Expire(ctx, setKey, r.expire)
	pipe.Expire(ctx, key, r.expire)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark chunk %d received: %w", index, err)
	}
	return nil
}

func (r *RedisSessions) Delete(ctx context.Context, uploadID string) error {
	err := r.redis.Del(ctx,
		fmt.Sprintf(sessionKeyPattern, uploadID),
		fmt.Sprintf(chunkSetPattern, uploadID),
	).Err()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
