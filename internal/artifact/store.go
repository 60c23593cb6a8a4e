// Package artifact owns the per-type target directories: it publishes
// finished uploads under unique names and resolves client-supplied names
// without letting them escape the directory.
package artifact

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hou-li-xie/media-service/internal/mediaerr"
	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/zeebo/blake3"
)

const maxPublishAttempts = 5

type Store struct {
	layout media.Layout
	logger *slog.Logger
	now    func() time.Time
	remove func(string) error
}

// NewStore creates the target and temp directories of every type.
func NewStore(layout media.Layout, logger *slog.Logger) (*Store, error) {
	for _, spec := range layout {
		for _, dir := range []string{spec.TargetDir, spec.TempDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create %s directory %s: %w", spec.Type, dir, err)
			}
		}
	}
	return &Store{layout: layout, logger: logger, now: time.Now, remove: os.Remove}, nil
}

func (s *Store) spec(t media.FileType) (media.TypeSpec, error) {
	spec, err := s.layout.Spec(t)
	if err != nil {
		return media.TypeSpec{}, mediaerr.New(mediaerr.KindInvalidType, "unsupported file type %q", t)
	}
	return spec, nil
}

// UniqueName derives {base}_{unixMillis}_{random}{ext} from a declared name.
// Only the base name of the declaration is used.
func UniqueName(declared string, now time.Time) (string, error) {
	declared = strings.ReplaceAll(declared, "\\", "/")
	declared = strings.ReplaceAll(declared, "\x00", "")
	declared = filepath.Base(declared)

	ext := strings.ToLower(filepath.Ext(declared))
	base := strings.TrimSuffix(declared, filepath.Ext(declared))
	base = strings.TrimLeft(base, ".")
	if base == "" || base == "/" {
		base = "file"
	}

	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate name suffix: %w", err)
	}

	return fmt.Sprintf("%s_%d_%s%s", base, now.UnixMilli(), hex.EncodeToString(b[:]), ext), nil
}

// Finalize publishes a flushed and closed scratch file under a fresh unique
// name in the type's target directory. The file appears atomically: readers
// see either nothing or the complete content.
func (s *Store) Finalize(tempPath string, fileType media.FileType, declaredName, checksum string) (media.Artifact, error) {
	spec, err := s.spec(fileType)
	if err != nil {
		return media.Artifact{}, err
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return media.Artifact{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "stat assembled file")
	}

	for attempt := 0; attempt < maxPublishAttempts; attempt++ {
		name, err := UniqueName(declaredName, s.now())
		if err != nil {
			return media.Artifact{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "name artifact")
		}
		target := filepath.Join(spec.TargetDir, name)

		err = s.publish(tempPath, target)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return media.Artifact{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "publish artifact")
		}

		syncDir(spec.TargetDir)

		s.logger.Info("artifact published",
			"file_type", fileType,
			"name", name,
			"size", info.Size())

		return media.Artifact{
			FinalName:  name,
			StoredPath: target,
			FileType:   fileType,
			Size:       info.Size(),
			MimeType:   media.MimeType(name),
			Checksum:   checksum,
			CreatedAt:  s.now().UTC(),
		}, nil
	}

	return media.Artifact{}, mediaerr.New(mediaerr.KindIOFailure, "could not allocate a unique artifact name")
}

// publish links src to dst, failing with fs.ErrExist if dst is taken, and
// removes src. Filesystems without hard links fall back to a rename guarded
// by an existence check. Once dst exists the artifact counts as published; a
// scratch file that cannot be removed is only logged.
func (s *Store) publish(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		if err := s.remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("published artifact left its scratch file behind",
				"scratch", src,
				"target", dst,
				"error", err.Error())
		}
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return err
	}

	if _, statErr := os.Lstat(dst); statErr == nil {
		return fs.ErrExist
	}
	return os.Rename(src, dst)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Save writes r to a scratch file in the type's temp area and finalizes it.
// Content longer than the type's MaxSize is rejected with TooLarge.
func (s *Store) Save(ctx context.Context, r io.Reader, fileType media.FileType, declaredName string) (media.Artifact, error) {
	spec, err := s.spec(fileType)
	if err != nil {
		return media.Artifact{}, err
	}
	if !spec.Allows(declaredName) {
		return media.Artifact{}, mediaerr.New(mediaerr.KindInvalidType, "extension of %q is not allowed for %s", declaredName, fileType)
	}

	tmp, err := os.CreateTemp(spec.TempDir, ".save-*.tmp")
	if err != nil {
		return media.Artifact{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "create scratch file")
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hasher := blake3.New()
	limited := io.LimitReader(r, spec.MaxSize+1)
	n, err := io.Copy(io.MultiWriter(tmp, hasher), contextReader{ctx: ctx, r: limited})
	if err != nil {
		if ctx.Err() != nil {
			return media.Artifact{}, mediaerr.Wrap(mediaerr.KindTimeout, ctx.Err(), "upload of %q interrupted", declaredName)
		}
		return media.Artifact{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "write %q", declaredName)
	}
	if n > spec.MaxSize {
		return media.Artifact{}, mediaerr.New(mediaerr.KindTooLarge, "%q exceeds the %s size limit of %d bytes", declaredName, fileType, spec.MaxSize)
	}
	if err := tmp.Sync(); err != nil {
		return media.Artifact{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "flush %q", declaredName)
	}
	if err := tmp.Close(); err != nil {
		return media.Artifact{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "close %q", declaredName)
	}

	artifact, err := s.Finalize(tmpPath, fileType, declaredName, hex.EncodeToString(hasher.Sum(nil)))
	if err != nil {
		return media.Artifact{}, err
	}
	keep = true
	return artifact, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ValidateName rejects names that could address anything other than a direct
// child of a target directory.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return mediaerr.New(mediaerr.KindInvalidName, "invalid file name %q", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return mediaerr.New(mediaerr.KindInvalidName, "file name %q contains a path separator", name)
	}
	return nil
}

// Resolve maps a requested name to the absolute path of an existing artifact.
func (s *Store) Resolve(fileType media.FileType, name string) (string, error) {
	spec, err := s.spec(fileType)
	if err != nil {
		return "", err
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}

	path := filepath.Join(spec.TargetDir, name)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", mediaerr.New(mediaerr.KindNotFound, "%s %q not found", fileType, name)
		}
		return "", mediaerr.Wrap(mediaerr.KindIOFailure, err, "resolve %q", name)
	}

	root, err := filepath.EvalSymlinks(spec.TargetDir)
	if err != nil {
		return "", mediaerr.Wrap(mediaerr.KindIOFailure, err, "resolve %s directory", fileType)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", mediaerr.New(mediaerr.KindForbidden, "%q resolves outside the %s directory", name, fileType)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", mediaerr.Wrap(mediaerr.KindIOFailure, err, "stat %q", name)
	}
	if !info.Mode().IsRegular() {
		return "", mediaerr.New(mediaerr.KindNotFound, "%s %q not found", fileType, name)
	}

	return resolved, nil
}

// Stat resolves name and describes the artifact stored under it.
func (s *Store) Stat(fileType media.FileType, name string) (media.Artifact, error) {
	path, err := s.Resolve(fileType, name)
	if err != nil {
		return media.Artifact{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return media.Artifact{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "stat %q", name)
	}
	return media.Artifact{
		FinalName:  name,
		StoredPath: path,
		FileType:   fileType,
		Size:       info.Size(),
		MimeType:   media.MimeType(name),
		CreatedAt:  info.ModTime().UTC(),
	}, nil
}

// List returns the regular files with an allowed extension, sorted by name.
func (s *Store) List(fileType media.FileType) ([]media.Artifact, error) {
	spec, err := s.spec(fileType)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(spec.TargetDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []media.Artifact{}, nil
		}
		return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "read %s directory", fileType)
	}

	artifacts := make([]media.Artifact, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") || !spec.Allows(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, media.Artifact{
			FinalName:  entry.Name(),
			StoredPath: filepath.Join(spec.TargetDir, entry.Name()),
			FileType:   fileType,
			Size:       info.Size(),
			MimeType:   media.MimeType(entry.Name()),
			CreatedAt:  info.ModTime().UTC(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].FinalName < artifacts[j].FinalName
	})

	return artifacts, nil
}
