package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker provides mutual exclusion per upload key. Merges hold the lock for
// their whole run; the sweeper only ever tries it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// LockKey scopes an upload id by file type.
func LockKey(fileType, uploadID string) string {
	return fileType + ":" + uploadID
}

// MemoryLocker is a keyed mutex for single-process deployments.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]chan struct{})}
}

func (l *MemoryLocker) acquire(key string) (func(), <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if wait, busy := l.held[key]; busy {
		return nil, wait
	}
	released := make(chan struct{})
	l.held[key] = released

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			close(released)
		})
	}, nil
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	for {
		unlock, wait := l.acquire(key)
		if unlock != nil {
			return unlock, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	unlock, _ := l.acquire(key)
	return unlock, unlock != nil, nil
}

const (
	lockKeyPattern   = "upload_lock:%s"
	lockPollInterval = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker shares upload locks between server instances and the
// standalone sweeper. Locks expire after ttl so a crashed holder cannot
// block an upload forever.
type RedisLocker struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{redis: client, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	redisKey := fmt.Sprintf(lockKeyPattern, key)
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire upload lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			releaseScript.Run(ctx, l.redis, []string{redisKey}, token)
		})
	}, true, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
