package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hou-li-xie/media-service/internal/mediaerr"
	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/zeebo/blake3"
)

const (
	partSeparator = ".part"
	maxUploadID   = 200
)

// ChunkName is the deterministic fragment name; a retry of the same index
// lands on the same file.
func ChunkName(uploadID string, index int) string {
	return uploadID + partSeparator + strconv.Itoa(index)
}

// parseChunkName splits a fragment file name into its upload id and index.
func parseChunkName(name string) (string, int, bool) {
	i := strings.LastIndex(name, partSeparator)
	if i <= 0 {
		return "", 0, false
	}
	digits := name[i+len(partSeparator):]
	if digits == "" || strings.Trim(digits, "0123456789") != "" {
		return "", 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return "", 0, false
	}
	return name[:i], index, true
}

// ValidateUploadID accepts opaque tokens and legacy file-name ids but nothing
// that could leave the temp directory.
func ValidateUploadID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return mediaerr.New(mediaerr.KindInvalidName, "invalid upload id %q", id)
	case len(id) > maxUploadID:
		return mediaerr.New(mediaerr.KindInvalidName, "upload id is longer than %d bytes", maxUploadID)
	case strings.ContainsAny(id, "/\\\x00"), strings.HasPrefix(id, "."):
		return mediaerr.New(mediaerr.KindInvalidName, "upload id %q contains forbidden characters", id)
	}
	return nil
}

// ChunkStore writes fragments into the temp area of their file type.
type ChunkStore struct {
	layout        media.Layout
	maxChunkBytes int64
	verify        bool
	logger        *slog.Logger
}

type ChunkStoreOption func(*ChunkStore)

// WithMaxChunkBytes caps the size of a single fragment.
func WithMaxChunkBytes(n int64) ChunkStoreOption {
	return func(s *ChunkStore) { s.maxChunkBytes = n }
}

// WithVerification enables checksum checks for fragments that carry one.
func WithVerification(enabled bool) ChunkStoreOption {
	return func(s *ChunkStore) { s.verify = enabled }
}

func NewChunkStore(layout media.Layout, logger *slog.Logger, opts ...ChunkStoreOption) *ChunkStore {
	s := &ChunkStore{
		layout:        layout,
		maxChunkBytes: 16 << 20,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ChunkStore) tempDir(fileType media.FileType) (string, error) {
	spec, err := s.layout.Spec(fileType)
	if err != nil {
		return "", mediaerr.New(mediaerr.KindInvalidType, "unsupported file type %q", fileType)
	}
	return spec.TempDir, nil
}

// ChunkPath returns where fragment index of uploadID lives.
func (s *ChunkStore) ChunkPath(fileType media.FileType, uploadID string, index int) (string, error) {
	dir, err := s.tempDir(fileType)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ChunkName(uploadID, index)), nil
}

// PutChunk stores one fragment. The bytes go to a scratch file that is
// renamed over the fragment name, so a concurrent reader sees either the old
// or the new fragment. When checksum is non-empty and verification is
// enabled it must equal the BLAKE3 hex digest of the body.
func (s *ChunkStore) PutChunk(ctx context.Context, uploadID string, fileType media.FileType, index int, r io.Reader, checksum string) (media.ChunkRef, error) {
	dir, err := s.tempDir(fileType)
	if err != nil {
		return media.ChunkRef{}, err
	}
	if err := ValidateUploadID(uploadID); err != nil {
		return media.ChunkRef{}, err
	}
	if index < 0 {
		return media.ChunkRef{}, mediaerr.New(mediaerr.KindInvalidRequest, "chunk index must not be negative")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return media.ChunkRef{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "create temp directory")
	}

	name := ChunkName(uploadID, index)
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return media.ChunkRef{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "create chunk scratch file")
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	hasher := blake3.New()
	var dst io.Writer = tmp
	verify := s.verify && checksum != ""
	if verify {
		dst = io.MultiWriter(tmp, hasher)
	}

	n, err := CopyContext(ctx, dst, io.LimitReader(r, s.maxChunkBytes+1))
	if err != nil {
		return media.ChunkRef{}, classifyCopyError(ctx, err, "write chunk %d of %s", index, uploadID)
	}
	if n > s.maxChunkBytes {
		return media.ChunkRef{}, mediaerr.New(mediaerr.KindTooLarge, "chunk %d exceeds %d bytes", index, s.maxChunkBytes)
	}
	if verify {
		if sum := hex.EncodeToString(hasher.Sum(nil)); !strings.EqualFold(sum, checksum) {
			return media.ChunkRef{}, mediaerr.New(mediaerr.KindInvalidRequest, "checksum mismatch for chunk %d", index)
		}
	}
	if err := tmp.Sync(); err != nil {
		return media.ChunkRef{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "flush chunk %d", index)
	}
	if err := tmp.Close(); err != nil {
		return media.ChunkRef{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "close chunk %d", index)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		return media.ChunkRef{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "store chunk %d", index)
	}

	s.logger.Debug("chunk stored",
		"upload_id", uploadID,
		"file_type", fileType,
		"chunk_index", index,
		"size", n)

	return media.ChunkRef{UploadID: uploadID, Index: index, Path: path, Size: n}, nil
}

// ReceivedChunks lists the indices present on disk for uploadID, ascending.
func (s *ChunkStore) ReceivedChunks(fileType media.FileType, uploadID string) ([]int, error) {
	dir, err := s.tempDir(fileType)
	if err != nil {
		return nil, err
	}
	if err := ValidateUploadID(uploadID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []int{}, nil
		}
		return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "read temp directory")
	}

	indices := []int{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		id, index, ok := parseChunkName(entry.Name())
		if ok && id == uploadID {
			indices = append(indices, index)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

// MissingChunks returns the indices in [0,total) without a fragment.
func (s *ChunkStore) MissingChunks(fileType media.FileType, uploadID string, total int) ([]int, error) {
	var missing []int
	for i := 0; i < total; i++ {
		path, err := s.ChunkPath(fileType, uploadID, i)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				missing = append(missing, i)
				continue
			}
			return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "stat chunk %d", i)
		}
		if !info.Mode().IsRegular() {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// RemoveChunks deletes every fragment of uploadID and reports how many.
func (s *ChunkStore) RemoveChunks(fileType media.FileType, uploadID string) (int, error) {
	indices, err := s.ReceivedChunks(fileType, uploadID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, i := range indices {
		path, _ := s.ChunkPath(fileType, uploadID, i)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, mediaerr.Wrap(mediaerr.KindIOFailure, err, "remove chunk %d", i)
		}
		removed++
	}
	return removed, nil
}

func classifyCopyError(ctx context.Context, err error, format string, args ...any) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return mediaerr.Wrap(mediaerr.KindTimeout, err, format, args...)
	}
	return mediaerr.Wrap(mediaerr.KindIOFailure, err, format, args...)
}

// CopyContext copies until EOF, an error, or ctx is done.
func CopyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return src.Read(p)
	}))
	if err != nil {
		return n, fmt.Errorf("copy: %w", err)
	}
	return n, nil
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
