package upload

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates an in-memory Redis server for testing
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func testLockerContract(t *testing.T, l Locker) {
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "video:a")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "video:a")
	require.NoError(t, err)
	assert.False(t, ok, "second TryLock on a held key must fail")

	otherUnlock, ok, err := l.TryLock(ctx, "video:b")
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")
	otherUnlock()

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "video:a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan func(), 1)
	go func() {
		u, err := l.Lock(ctx, "video:a")
		if err == nil {
			acquired <- u
		}
	}()

	unlock()
	unlock() // idempotent

	select {
	case u := <-acquired:
		u()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not acquire the released lock")
	}
}

func TestMemoryLocker(t *testing.T) {
	testLockerContract(t, NewMemoryLocker())
}

func TestRedisLocker(t *testing.T) {
	client, _ := setupTestRedis(t)
	testLockerContract(t, NewRedisLocker(client, time.Minute))
}

func TestRedisLockerExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := NewRedisLocker(client, time.Second)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "video:crashed")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	unlock, ok, err := l.TryLock(ctx, "video:crashed")
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}

func TestRedisLockerUnlockKeepsForeignLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := NewRedisLocker(client, time.Second)
	ctx := context.Background()

	staleUnlock, ok, err := l.TryLock(ctx, "video:x")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = l.TryLock(ctx, "video:x")
	require.NoError(t, err)
	require.True(t, ok)

	staleUnlock()
	assert.True(t, mr.Exists("upload_lock:video:x"), "stale holder must not release the new lock")
}
