package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hou-li-xie/media-service/internal/mediaerr"
	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestChunkName(t *testing.T) {
	assert.Equal(t, "movie.mp4.part3", ChunkName("movie.mp4", 3))

	id, index, ok := parseChunkName("movie.mp4.part12")
	assert.True(t, ok)
	assert.Equal(t, "movie.mp4", id)
	assert.Equal(t, 12, index)

	for _, name := range []string{".part1", "movie.part", "movie.part1x", ".movie.part1.123.tmp"} {
		_, _, ok := parseChunkName(name)
		assert.False(t, ok, name)
	}
}

func TestValidateUploadID(t *testing.T) {
	assert.NoError(t, ValidateUploadID("3f6c1a9e-2b1d-4c4e-9a57-4f1b2f0f8d11"))
	assert.NoError(t, ValidateUploadID("holiday.mp4"))

	for _, id := range []string{"", ".", "..", "../x", `a\b`, ".hidden", strings.Repeat("a", 201)} {
		assert.True(t, errors.Is(ValidateUploadID(id), mediaerr.InvalidName), id)
	}
}

func TestPutChunkOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.chunks.PutChunk(ctx, "up1", media.FileTypeVideo, 0, strings.NewReader("old!"), "")
	require.NoError(t, err)
	ref, err := f.chunks.PutChunk(ctx, "up1", media.FileTypeVideo, 0, strings.NewReader("new"), "")
	require.NoError(t, err)

	got, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	assert.Equal(t, int64(3), ref.Size)

	received, err := f.chunks.ReceivedChunks(media.FileTypeVideo, "up1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, received)
}

func TestPutChunkRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.chunks.PutChunk(ctx, "up1", media.FileType("audio"), 0, strings.NewReader("x"), "")
	assert.True(t, errors.Is(err, mediaerr.InvalidType))

	_, err = f.chunks.PutChunk(ctx, "../up1", media.FileTypeVideo, 0, strings.NewReader("x"), "")
	assert.True(t, errors.Is(err, mediaerr.InvalidName))

	_, err = f.chunks.PutChunk(ctx, "up1", media.FileTypeVideo, -1, strings.NewReader("x"), "")
	assert.True(t, errors.Is(err, mediaerr.InvalidRequest))

	_, err = f.chunks.PutChunk(ctx, "up1", media.FileTypeVideo, 0, bytes.NewReader(make([]byte, 1025)), "")
	assert.True(t, errors.Is(err, mediaerr.TooLarge))
}

func TestPutChunkVerifiesChecksum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum := blake3.Sum256([]byte("data"))
	good := hex.EncodeToString(sum[:])

	_, err := f.chunks.PutChunk(ctx, "up2", media.FileTypeVideo, 0, strings.NewReader("data"), good)
	require.NoError(t, err)

	_, err = f.chunks.PutChunk(ctx, "up2", media.FileTypeVideo, 0, strings.NewReader("evil"), good)
	assert.True(t, errors.Is(err, mediaerr.InvalidRequest))

	path, _ := f.chunks.ChunkPath(media.FileTypeVideo, "up2", 0)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got), "rejected chunk must not replace the stored one")
}

func TestPutChunkTimeout(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := f.chunks.PutChunk(ctx, "up3", media.FileTypeVideo, 0, strings.NewReader("data"), "")
	assert.True(t, errors.Is(err, mediaerr.Timeout), err)

	received, err := f.chunks.ReceivedChunks(media.FileTypeVideo, "up3")
	require.NoError(t, err)
	assert.Empty(t, received)
}

func TestMissingAndRemoveChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, i := range []int{0, 2} {
		_, err := f.chunks.PutChunk(ctx, "up4", media.FileTypeImage, i, strings.NewReader("x"), "")
		require.NoError(t, err)
	}

	missing, err := f.chunks.MissingChunks(media.FileTypeImage, "up4", 4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, missing)

	removed, err := f.chunks.RemoveChunks(media.FileTypeImage, "up4")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
