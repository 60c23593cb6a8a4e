package upload

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hou-li-xie/media-service/internal/types/media"
)

// Sweeper removes the fragments of uploads that stopped receiving chunks.
// An upload is stale when its newest fragment is older than expireAfter.
type Sweeper struct {
	layout      media.Layout
	locker      Locker
	sessions    SessionTable
	expireAfter time.Duration
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewSweeper(layout media.Layout, locker Locker, sessions SessionTable, expireAfter, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		layout:      layout,
		locker:      locker,
		sessions:    sessions,
		expireAfter: expireAfter,
		interval:    interval,
		logger:      logger,
		now:         time.Now,
	}
}

// SweepResult summarises one pass.
type SweepResult struct {
	UploadsRemoved int
	ChunksRemoved  int
	ScratchRemoved int
	UploadsSkipped int
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("chunk sweeper started",
		"interval", s.interval.String(),
		"expire_after", s.expireAfter.String())

	// Run once immediately on startup
	s.run(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("chunk sweeper shutting down")
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Sweeper) run(ctx context.Context) {
	startTime := time.Now()

	res, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("chunk sweep failed",
			"error", err.Error(),
			"duration_ms", time.Since(startTime).Milliseconds())
		return
	}

	duration := time.Since(startTime)

	s.logger.Info("chunk sweep completed",
		"uploads_removed", res.UploadsRemoved,
		"chunks_removed", res.ChunksRemoved,
		"scratch_removed", res.ScratchRemoved,
		"uploads_skipped", res.UploadsSkipped,
		"duration_ms", duration.Milliseconds())
}

type fragmentGroup struct {
	newest time.Time
	paths  []string
}

// Sweep performs one pass over every temp directory. Uploads whose lock is
// held are left alone.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.expireAfter)

	for _, fileType := range media.FileTypes {
		spec, ok := s.layout[fileType]
		if !ok {
			continue
		}

		entries, err := os.ReadDir(spec.TempDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return res, err
		}

		groups := make(map[string]*fragmentGroup)
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(spec.TempDir, entry.Name())

			if strings.HasSuffix(entry.Name(), ".tmp") {
				if info.ModTime().Before(cutoff) && os.Remove(path) == nil {
					res.ScratchRemoved++
				}
				continue
			}

			uploadID, _, ok := parseChunkName(entry.Name())
			if !ok {
				continue
			}
			g := groups[uploadID]
			if g == nil {
				g = &fragmentGroup{}
				groups[uploadID] = g
			}
			g.paths = append(g.paths, path)
			if info.ModTime().After(g.newest) {
				g.newest = info.ModTime()
			}
		}

		for uploadID, g := range groups {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if !g.newest.Before(cutoff) {
				continue
			}

			unlock, ok, err := s.locker.TryLock(ctx, LockKey(string(fileType), uploadID))
			if err != nil {
				return res, err
			}
			if !ok {
				res.UploadsSkipped++
				continue
			}

			removed := 0
			for _, path := range g.paths {
				if err := os.Remove(path); err == nil || errors.Is(err, fs.ErrNotExist) {
					removed++
				}
			}
			if err := s.sessions.Delete(ctx, uploadID); err != nil {
				s.logger.Warn("failed to drop expired session", "upload_id", uploadID, "error", err.Error())
			}
			unlock()

			res.UploadsRemoved++
			res.ChunksRemoved += removed

			s.logger.Info("expired upload removed",
				"upload_id", uploadID,
				"file_type", fileType,
				"chunks", removed,
				"last_activity", g.newest.UTC().Format(time.RFC3339))
		}
	}

	return res, nil
}
