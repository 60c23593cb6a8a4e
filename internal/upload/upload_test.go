package upload

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hou-li-xie/media-service/internal/artifact"
	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	layout      media.Layout
	chunks      *ChunkStore
	artifacts   *artifact.Store
	locker      *MemoryLocker
	sessions    *MemorySessions
	coordinator *Coordinator
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	layout := media.Layout{
		media.FileTypeVideo: {
			Type:           media.FileTypeVideo,
			TargetDir:      filepath.Join(root, "videos"),
			TempDir:        filepath.Join(root, "videos", "temp"),
			AllowedExts:    []string{".mp4"},
			MaxSize:        1 << 20,
			ChunkSize:      4,
			EnableChunking: true,
		},
		media.FileTypeImage: {
			Type:        media.FileTypeImage,
			TargetDir:   filepath.Join(root, "images"),
			TempDir:     filepath.Join(root, "images", "temp"),
			AllowedExts: []string{".png"},
			MaxSize:     1 << 20,
			ChunkSize:   4,
		},
	}

	logger := discardLogger()
	store, err := artifact.NewStore(layout, logger)
	require.NoError(t, err)

	f := &fixture{
		layout:    layout,
		chunks:    NewChunkStore(layout, logger, WithMaxChunkBytes(1024), WithVerification(true)),
		artifacts: store,
		locker:    NewMemoryLocker(),
		sessions:  NewMemorySessions(time.Hour),
	}
	f.coordinator = NewCoordinator(f.chunks, f.artifacts, f.locker, f.sessions,
		CoordinatorConfig{MergeTimeout: 10 * time.Second, CompletedTTL: time.Minute}, logger)

	t.Cleanup(func() {
		f.coordinator.Close()
		f.sessions.Close()
	})
	return f
}
