package upload

import (
	"context"
	"testing"
	"time"

	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionContract(t *testing.T, table SessionTable) {
	ctx := context.Background()

	_, ok, err := table.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	// marking an unknown upload is a no-op
	require.NoError(t, table.MarkReceived(ctx, "absent", 1))

	now := time.Now().UTC()
	require.NoError(t, table.Create(ctx, media.UploadSession{
		UploadID:    "s1",
		FileType:    media.FileTypeVideo,
		FileName:    "movie.mp4",
		TotalChunks: 3,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}))

	require.NoError(t, table.MarkReceived(ctx, "s1", 2))
	require.NoError(t, table.MarkReceived(ctx, "s1", 0))
	require.NoError(t, table.MarkReceived(ctx, "s1", 2))

	s, ok, err := table.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "movie.mp4", s.FileName)
	assert.Equal(t, []int{0, 2}, s.ReceivedChunks)
	assert.Equal(t, []int{1}, s.MissingChunks())
	assert.True(t, s.ExpiresAt.After(now))

	require.NoError(t, table.Delete(ctx, "s1"))
	_, ok, err = table.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySessions(t *testing.T) {
	table := NewMemorySessions(time.Hour)
	defer table.Close()
	testSessionContract(t, table)
}

func TestRedisSessions(t *testing.T) {
	client, _ := setupTestRedis(t)
	testSessionContract(t, NewRedisSessions(client, time.Hour))
}

func TestRedisSessionsExpire(t *testing.T) {
	client, mr := setupTestRedis(t)
	table := NewRedisSessions(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, table.Create(ctx, media.UploadSession{UploadID: "s2", FileType: media.FileTypeImage, ExpiresAt: time.Now().Add(time.Minute)}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := table.Get(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, ok)
}
