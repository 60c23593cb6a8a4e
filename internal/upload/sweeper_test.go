package upload

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func age(t *testing.T, path string, d time.Duration) {
	t.Helper()
	old := time.Now().Add(-d)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestSweepRemovesOnlyStaleUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tempDir := f.layout[media.FileTypeVideo].TempDir

	putParts(t, f, "stale", []int{0, 1})
	putParts(t, f, "fresh", []int{0})
	putParts(t, f, "mixed", []int{0, 1})

	age(t, filepath.Join(tempDir, "stale.part0"), 48*time.Hour)
	age(t, filepath.Join(tempDir, "stale.part1"), 30*time.Hour)
	// one recent chunk keeps the whole upload alive
	age(t, filepath.Join(tempDir, "mixed.part0"), 48*time.Hour)

	scratch := filepath.Join(tempDir, ".merge-123.tmp")
	require.NoError(t, os.WriteFile(scratch, []byte("partial"), 0o644))
	age(t, scratch, 48*time.Hour)

	require.NoError(t, f.sessions.Create(ctx, media.UploadSession{UploadID: "stale", FileType: media.FileTypeVideo}))

	sweeper := NewSweeper(f.layout, f.locker, f.sessions, 24*time.Hour, time.Minute, discardLogger())
	res, err := sweeper.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.UploadsRemoved)
	assert.Equal(t, 2, res.ChunksRemoved)
	assert.Equal(t, 1, res.ScratchRemoved)

	stale, _ := f.chunks.ReceivedChunks(media.FileTypeVideo, "stale")
	assert.Empty(t, stale)
	fresh, _ := f.chunks.ReceivedChunks(media.FileTypeVideo, "fresh")
	assert.Equal(t, []int{0}, fresh)
	mixed, _ := f.chunks.ReceivedChunks(media.FileTypeVideo, "mixed")
	assert.Equal(t, []int{0, 1}, mixed)

	_, ok, _ := f.sessions.Get(ctx, "stale")
	assert.False(t, ok)
}

func TestSweepSkipsLockedUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tempDir := f.layout[media.FileTypeVideo].TempDir

	putParts(t, f, "merging", []int{0, 1, 2})
	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "merging.part") {
			age(t, filepath.Join(tempDir, e.Name()), 72*time.Hour)
		}
	}

	unlock, err := f.locker.Lock(ctx, LockKey("video", "merging"))
	require.NoError(t, err)

	sweeper := NewSweeper(f.layout, f.locker, f.sessions, 24*time.Hour, time.Minute, discardLogger())
	res, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.UploadsRemoved)
	assert.Equal(t, 1, res.UploadsSkipped)

	received, _ := f.chunks.ReceivedChunks(media.FileTypeVideo, "merging")
	assert.Equal(t, []int{0, 1, 2}, received)

	unlock()
	res, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.UploadsRemoved)
}

func TestSweeperStartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewSweeper(f.layout, f.locker, f.sessions, time.Hour, 10*time.Millisecond, discardLogger()).Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
