package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hou-li-xie/media-service/internal/artifact"
	"github.com/hou-li-xie/media-service/internal/mediaerr"
	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/jellydator/ttlcache/v3"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

// MergeRequest identifies the fragments to assemble and the declared name of
// the resulting artifact.
type MergeRequest struct {
	UploadID    string
	FileType    media.FileType
	FileName    string
	TotalChunks int
}

// Merged is the result of a merge. Fresh is true for exactly one caller per
// published artifact; that caller owns the follow-up work (registry,
// mirroring, notifications). Joined and repeated merges see Fresh false.
type Merged struct {
	media.Artifact
	Fresh bool
}

type mergeOutcome struct {
	artifact media.Artifact
	claimed  atomic.Bool
}

func (o *mergeOutcome) result() Merged {
	return Merged{Artifact: o.artifact, Fresh: o.claimed.CompareAndSwap(false, true)}
}

type completedMerge struct {
	req     MergeRequest
	outcome *mergeOutcome
}

// Coordinator turns a complete set of fragments into one artifact. Merges of
// the same upload are collapsed into a single execution; merges of different
// uploads run in parallel.
type Coordinator struct {
	chunks    *ChunkStore
	artifacts *artifact.Store
	locker    Locker
	sessions  SessionTable
	logger    *slog.Logger

	mergeTimeout time.Duration

	group     singleflight.Group
	mu        sync.Mutex
	inflight  map[string]MergeRequest
	completed *ttlcache.Cache[string, completedMerge]
}

type CoordinatorConfig struct {
	MergeTimeout time.Duration
	CompletedTTL time.Duration
}

func NewCoordinator(chunks *ChunkStore, artifacts *artifact.Store, locker Locker, sessions SessionTable, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.MergeTimeout <= 0 {
		cfg.MergeTimeout = 10 * time.Minute
	}
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = time.Hour
	}

	completed := ttlcache.New[string, completedMerge](
		ttlcache.WithTTL[string, completedMerge](cfg.CompletedTTL),
		ttlcache.WithDisableTouchOnHit[string, completedMerge](),
	)
	go completed.Start()

	return &Coordinator{
		chunks:       chunks,
		artifacts:    artifacts,
		locker:       locker,
		sessions:     sessions,
		logger:       logger,
		mergeTimeout: cfg.MergeTimeout,
		inflight:     make(map[string]MergeRequest),
		completed:    completed,
	}
}

// Close stops the completed-merge expiry loop.
func (c *Coordinator) Close() {
	c.completed.Stop()
}

func (c *Coordinator) validate(req MergeRequest) error {
	spec, err := c.chunks.layout.Spec(req.FileType)
	if err != nil {
		return mediaerr.New(mediaerr.KindInvalidType, "unsupported file type %q", req.FileType)
	}
	if err := ValidateUploadID(req.UploadID); err != nil {
		return err
	}
	if req.TotalChunks < 1 {
		return mediaerr.New(mediaerr.KindInvalidRequest, "totalChunks must be at least 1")
	}
	if !spec.Allows(req.FileName) {
		return mediaerr.New(mediaerr.KindInvalidType, "extension of %q is not allowed for %s", req.FileName, req.FileType)
	}
	return nil
}

// Merge assembles fragments [0,TotalChunks) of req.UploadID in index order.
// A missing fragment aborts before anything is touched. Concurrent callers
// with identical parameters share one execution; a caller with different
// parameters gets Conflict. A repeated merge after success returns the
// artifact produced the first time.
func (c *Coordinator) Merge(ctx context.Context, req MergeRequest) (Merged, error) {
	if err := c.validate(req); err != nil {
		return Merged{}, err
	}

	key := LockKey(string(req.FileType), req.UploadID)

	if done := c.completed.Get(key); done != nil {
		if done.Value().req != req {
			return Merged{}, mediaerr.New(mediaerr.KindConflict, "upload %s was already merged with different parameters", req.UploadID)
		}
		return done.Value().outcome.result(), nil
	}

	c.mu.Lock()
	if cur, busy := c.inflight[key]; busy && cur != req {
		c.mu.Unlock()
		return Merged{}, mediaerr.New(mediaerr.KindConflict, "a merge of upload %s with different parameters is in progress", req.UploadID)
	}
	c.inflight[key] = req
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.mergeTimeout)
		defer cancel()

		out, err := c.merge(mctx, key, req)

		if err == nil {
			c.completed.Set(key, completedMerge{req: req, outcome: out}, ttlcache.DefaultTTL)
		}
		// Callers arriving from here on start a new execution, which clears
		// the in-flight entry again when it returns.
		c.group.Forget(key)
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()

		return out, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Merged{}, res.Err
		}
		return res.Val.(*mergeOutcome).result(), nil
	case <-ctx.Done():
		return Merged{}, mediaerr.Wrap(mediaerr.KindTimeout, ctx.Err(), "merge of upload %s still running", req.UploadID)
	}
}

func (c *Coordinator) merge(ctx context.Context, key string, req MergeRequest) (*mergeOutcome, error) {
	start := time.Now()
	logger := c.logger.With("upload_id", req.UploadID, "file_type", req.FileType)

	unlock, err := c.locker.Lock(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, mediaerr.Wrap(mediaerr.KindTimeout, err, "wait for upload lock")
		}
		return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "acquire upload lock")
	}
	defer unlock()

	if done := c.completed.Get(key); done != nil && done.Value().req == req {
		return done.Value().outcome, nil
	}

	missing, err := c.chunks.MissingChunks(req.FileType, req.UploadID, req.TotalChunks)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		logger.Warn("merge rejected, chunks missing", "missing", missing, "total_chunks", req.TotalChunks)
		return nil, mediaerr.NewMissingChunk(missing)
	}

	spec, _ := c.chunks.layout.Spec(req.FileType)
	out, err := os.CreateTemp(spec.TempDir, ".merge-*.tmp")
	if err != nil {
		return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "create merge output")
	}
	outPath := out.Name()
	published := false
	defer func() {
		if !published {
			out.Close()
			os.Remove(outPath)
		}
	}()

	hasher := blake3.New()
	w := io.MultiWriter(out, hasher)

	var total int64
	for i := 0; i < req.TotalChunks; i++ {
		n, err := c.appendChunk(ctx, w, req, i)
		if err != nil {
			logger.Error("merge failed", "chunk_index", i, "error", err.Error())
			return nil, err
		}
		total += n
	}

	if err := out.Sync(); err != nil {
		return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "flush merge output")
	}
	if err := out.Close(); err != nil {
		return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "close merge output")
	}

	a, err := c.artifacts.Finalize(outPath, req.FileType, req.FileName, hex.EncodeToString(hasher.Sum(nil)))
	if err != nil {
		return nil, err
	}
	published = true

	if err := c.sessions.Delete(ctx, req.UploadID); err != nil {
		logger.Warn("failed to drop upload session", "error", err.Error())
	}

	logger.Info("merge completed",
		"final_name", a.FinalName,
		"total_chunks", req.TotalChunks,
		"size", total,
		"duration_ms", time.Since(start).Milliseconds())

	return &mergeOutcome{artifact: a}, nil
}

// appendChunk copies fragment i into w and deletes it once consumed.
func (c *Coordinator) appendChunk(ctx context.Context, w io.Writer, req MergeRequest, i int) (int64, error) {
	path, err := c.chunks.ChunkPath(req.FileType, req.UploadID, i)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, mediaerr.NewMissingChunk([]int{i})
		}
		return 0, mediaerr.Wrap(mediaerr.KindIOFailure, err, "open chunk %d", i)
	}
	n, err := CopyContext(ctx, w, f)
	f.Close()
	if err != nil {
		return n, classifyCopyError(ctx, err, "append chunk %d", i)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("failed to remove consumed chunk",
			"upload_id", req.UploadID,
			"chunk_index", i,
			"error", err.Error())
	}
	return n, nil
}
