package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, "env: local\nstorage:\n  root: "+root+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, 24*time.Hour, cfg.Upload.ChunkExpireTime)
	assert.True(t, cfg.Upload.EnableResume)

	layout, err := cfg.Layout()
	require.NoError(t, err)

	video := layout[media.FileTypeVideo]
	assert.Equal(t, filepath.Join(root, "videos"), video.TargetDir)
	assert.Equal(t, filepath.Join(root, "videos", "temp"), video.TempDir)
	assert.Equal(t, int64(2<<20), video.ChunkSize)
	assert.Equal(t, 30*time.Second, video.ChunkTimeout)
	assert.True(t, video.EnableChunking)
	assert.Contains(t, video.AllowedExts, ".mkv")

	image := layout[media.FileTypeImage]
	assert.Equal(t, int64(10<<20), image.MaxSize)
	assert.False(t, image.EnableChunking)
}

func TestLoadOverridesTypeSettings(t *testing.T) {
	path := writeConfig(t, `
storage:
  video:
    target_dir: /srv/media/clips
    allowed_types: ["MP4", "webm"]
    chunk_size: 4096
    enable_chunking: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	layout, err := cfg.Layout()
	require.NoError(t, err)

	video := layout[media.FileTypeVideo]
	assert.Equal(t, "/srv/media/clips", video.TargetDir)
	assert.Equal(t, "/srv/media/clips/temp", video.TempDir)
	assert.Equal(t, []string{".mp4", ".webm"}, video.AllowedExts)
	assert.Equal(t, int64(4096), video.ChunkSize)
	assert.False(t, video.EnableChunking)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMergeOutlivingRedisLock(t *testing.T) {
	path := writeConfig(t, `
redis:
  enabled: true
upload:
  merge_timeout: 20m
  lock_ttl: 15m
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_ttl")

	path = writeConfig(t, `
redis:
  enabled: false
upload:
  merge_timeout: 20m
  lock_ttl: 15m
`)
	_, err = Load(path)
	assert.NoError(t, err)

	path = writeConfig(t, `
redis:
  enabled: true
upload:
  merge_timeout: 5m
  lock_ttl: 15m
`)
	_, err = Load(path)
	assert.NoError(t, err)
}
