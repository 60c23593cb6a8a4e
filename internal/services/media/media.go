package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hou-li-xie/media-service/internal/artifact"
	"github.com/hou-li-xie/media-service/internal/config"
	"github.com/hou-li-xie/media-service/internal/diskinfo"
	"github.com/hou-li-xie/media-service/internal/events"
	"github.com/hou-li-xie/media-service/internal/mediaerr"
	"github.com/hou-li-xie/media-service/internal/services/mirror"
	"github.com/hou-li-xie/media-service/internal/storage"
	types "github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/hou-li-xie/media-service/internal/upload"
)

const mirrorTimeout = 30 * time.Minute

// ListingCache caches directory listings per file type.
type ListingCache interface {
	GetListing(ctx context.Context, fileType types.FileType, load func() ([]types.ListEntry, error)) ([]types.ListEntry, error)
	Invalidate(ctx context.Context, fileType types.FileType)
}

// Mirror copies artifacts to object storage.
type Mirror interface {
	Upload(ctx context.Context, a types.Artifact) error
	PresignedDownloadURL(ctx context.Context, fileType types.FileType, finalName string) (*url.URL, time.Time, error)
}

// Deps are the collaborators of a Service. Registry, Listings, Mirror and
// Publisher are optional.
type Deps struct {
	Layout      types.Layout
	Upload      config.Upload
	Chunks      *upload.ChunkStore
	Artifacts   *artifact.Store
	Coordinator *upload.Coordinator
	Sessions    upload.SessionTable

	Registry  storage.Storage
	Listings  ListingCache
	Mirror    Mirror
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Service ties the upload core to the registry, caches and notifications.
type Service struct {
	Deps
	mirrors sync.WaitGroup
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{Deps: d}
}

// Close waits for background mirror uploads to finish.
func (s *Service) Close() {
	s.mirrors.Wait()
}

// ArtifactURL is the streaming URL of a published artifact.
func ArtifactURL(fileType types.FileType, name string) string {
	return fmt.Sprintf("/api/%s/%s", fileType, url.PathEscape(name))
}

func (s *Service) spec(fileType types.FileType) (types.TypeSpec, error) {
	spec, err := s.Layout.Spec(fileType)
	if err != nil {
		return types.TypeSpec{}, mediaerr.New(mediaerr.KindInvalidType, "unsupported file type %q", fileType)
	}
	return spec, nil
}

// CreateSession mints an upload token and records the declared shape of the
// upload.
func (s *Service) CreateSession(ctx context.Context, req types.CreateSessionRequest) (types.CreateSessionResponse, error) {
	fileType := types.FileType(req.FileType)
	spec, err := s.spec(fileType)
	if err != nil {
		return types.CreateSessionResponse{}, err
	}
	if err := artifact.ValidateName(req.FileName); err != nil {
		return types.CreateSessionResponse{}, err
	}
	if !spec.Allows(req.FileName) {
		return types.CreateSessionResponse{}, mediaerr.New(mediaerr.KindInvalidType, "extension of %q is not allowed for %s", req.FileName, fileType)
	}
	if req.FileSize > spec.MaxSize {
		return types.CreateSessionResponse{}, mediaerr.New(mediaerr.KindTooLarge, "%s files are limited to %s", fileType, humanize.IBytes(uint64(spec.MaxSize)))
	}

	chunkSize := spec.RecommendedChunkSize(req.FileSize)
	now := time.Now().UTC()
	session := types.UploadSession{
		UploadID:       uuid.NewString(),
		FileType:       fileType,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		ChunkSize:      chunkSize,
		TotalChunks:    types.CalculateChunks(req.FileSize, chunkSize),
		ReceivedChunks: []int{},
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.Upload.ChunkExpireTime),
	}
	if err := s.Sessions.Create(ctx, session); err != nil {
		return types.CreateSessionResponse{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "record upload session")
	}

	s.Logger.Info("upload session created",
		slog.String("upload_id", session.UploadID),
		slog.String("file_type", string(fileType)),
		slog.Int("total_chunks", session.TotalChunks))

	return types.CreateSessionResponse{
		UploadID:      session.UploadID,
		ChunkSize:     chunkSize,
		TotalChunks:   session.TotalChunks,
		NeedsChunking: spec.NeedsChunking(req.FileSize),
		ExpiresAt:     session.ExpiresAt,
	}, nil
}

// SessionStatus reports the fragments on disk for uploadID. fileType may be
// empty when the upload has a session.
func (s *Service) SessionStatus(ctx context.Context, uploadID string, fileType types.FileType) (types.UploadStatus, error) {
	if err := upload.ValidateUploadID(uploadID); err != nil {
		return types.UploadStatus{}, err
	}

	session, ok, err := s.Sessions.Get(ctx, uploadID)
	if err != nil {
		return types.UploadStatus{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "load upload session")
	}
	if fileType == "" {
		if !ok {
			return types.UploadStatus{}, mediaerr.New(mediaerr.KindNotFound, "upload %s not found", uploadID)
		}
		fileType = session.FileType
	}
	if !ok {
		session = types.UploadSession{UploadID: uploadID, FileType: fileType}
	}

	received, err := s.Chunks.ReceivedChunks(fileType, uploadID)
	if err != nil {
		return types.UploadStatus{}, err
	}
	if !ok && len(received) == 0 {
		return types.UploadStatus{}, mediaerr.New(mediaerr.KindNotFound, "upload %s not found", uploadID)
	}

	session.ReceivedChunks = received
	status := types.UploadStatus{UploadSession: session, Missing: session.MissingChunks()}
	status.Complete = session.TotalChunks > 0 && len(status.Missing) == 0
	return status, nil
}

// ChunkUpload is one incoming fragment. UploadID falls back to FileName for
// clients that never opened a session.
type ChunkUpload struct {
	UploadID string
	FileType types.FileType
	FileName string
	Index    int
	Body     io.Reader
	Checksum string
}

func uploadIDOf(uploadID, fileName string) (string, error) {
	if uploadID == "" {
		uploadID = fileName
	}
	if err := upload.ValidateUploadID(uploadID); err != nil {
		return "", err
	}
	return uploadID, nil
}

// PutChunk stores a fragment within the file type's chunk timeout.
func (s *Service) PutChunk(ctx context.Context, c ChunkUpload) (types.ChunkRef, error) {
	spec, err := s.spec(c.FileType)
	if err != nil {
		return types.ChunkRef{}, err
	}
	uploadID, err := uploadIDOf(c.UploadID, c.FileName)
	if err != nil {
		return types.ChunkRef{}, err
	}

	session, hasSession, err := s.Sessions.Get(ctx, uploadID)
	if err != nil {
		return types.ChunkRef{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "load upload session")
	}
	if hasSession {
		if session.FileType != c.FileType {
			return types.ChunkRef{}, mediaerr.New(mediaerr.KindInvalidRequest, "upload %s is a %s upload", uploadID, session.FileType)
		}
		if session.TotalChunks > 0 && c.Index >= session.TotalChunks {
			return types.ChunkRef{}, mediaerr.New(mediaerr.KindInvalidRequest, "chunk index %d is outside [0,%d)", c.Index, session.TotalChunks)
		}
	}

	if spec.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.ChunkTimeout)
		defer cancel()
	}

	ref, err := s.Chunks.PutChunk(ctx, uploadID, c.FileType, c.Index, c.Body, c.Checksum)
	if err != nil {
		return types.ChunkRef{}, err
	}

	if hasSession {
		if err := s.Sessions.MarkReceived(context.WithoutCancel(ctx), uploadID, c.Index); err != nil {
			s.Logger.Warn("failed to mark chunk received",
				slog.String("upload_id", uploadID),
				slog.Int("chunk_index", c.Index),
				slog.String("error", err.Error()))
		}
	}

	if s.Publisher != nil {
		received, err := s.Chunks.ReceivedChunks(c.FileType, uploadID)
		if err == nil {
			s.Publisher.PublishChunkReceived(uploadID, ref, len(received), session.TotalChunks)
		}
	}

	return ref, nil
}

// Merge assembles an upload and registers the resulting artifact.
func (s *Service) Merge(ctx context.Context, req types.MergeChunksRequest) (types.MergeChunksResponse, error) {
	fileType := types.FileType(req.FileType)
	if _, err := s.spec(fileType); err != nil {
		return types.MergeChunksResponse{}, err
	}
	uploadID, err := uploadIDOf(req.UploadID, req.FileName)
	if err != nil {
		return types.MergeChunksResponse{}, err
	}

	if session, ok, err := s.Sessions.Get(ctx, uploadID); err == nil && ok && session.TotalChunks > 0 && session.TotalChunks != req.TotalChunks {
		return types.MergeChunksResponse{}, mediaerr.New(mediaerr.KindInvalidRequest,
			"totalChunks %d does not match the %d declared for upload %s", req.TotalChunks, session.TotalChunks, uploadID)
	}

	merged, err := s.Coordinator.Merge(ctx, upload.MergeRequest{
		UploadID:    uploadID,
		FileType:    fileType,
		FileName:    req.FileName,
		TotalChunks: req.TotalChunks,
	})
	if err != nil {
		if s.Publisher != nil {
			s.Publisher.PublishFailed(uploadID, err)
		}
		return types.MergeChunksResponse{}, err
	}

	a := merged.Artifact
	artifactURL := ArtifactURL(a.FileType, a.FinalName)
	if merged.Fresh {
		s.published(ctx, a, req.FileName, uploadID)
		if s.Publisher != nil {
			s.Publisher.PublishMerged(uploadID, a, artifactURL)
		}
	}

	return types.MergeChunksResponse{
		FinalName: a.FinalName,
		Path:      a.StoredPath,
		URL:       artifactURL,
		Size:      a.Size,
		Checksum:  a.Checksum,
	}, nil
}

// published runs the bookkeeping that follows a new artifact. Failures here
// never undo the publish.
func (s *Service) published(ctx context.Context, a types.Artifact, originalName, uploadID string) {
	ctx = context.WithoutCancel(ctx)

	if s.Registry != nil {
		_, err := s.Registry.RecordArtifact(ctx, storage.ArtifactRecord{
			FileType:     a.FileType,
			FinalName:    a.FinalName,
			OriginalName: originalName,
			UploadID:     uploadID,
			Size:         a.Size,
			MimeType:     a.MimeType,
			Checksum:     a.Checksum,
			CreatedAt:    a.CreatedAt,
		})
		if err != nil {
			s.Logger.Error("failed to record artifact",
				slog.String("final_name", a.FinalName),
				slog.String("error", err.Error()))
		}
	}

	if s.Listings != nil {
		s.Listings.Invalidate(ctx, a.FileType)
	}

	if s.Mirror != nil {
		s.mirrors.Add(1)
		go func() {
			defer s.mirrors.Done()
			mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
			defer cancel()
			if err := s.Mirror.Upload(mctx, a); err != nil {
				s.Logger.Error("failed to mirror artifact",
					slog.String("final_name", a.FinalName),
					slog.String("error", err.Error()))
				return
			}
			s.Logger.Info("artifact mirrored", slog.String("final_name", a.FinalName))
		}()
	}
}

// UploadFile is one part of a direct multi-file upload.
type UploadFile struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// SaveFiles stores whole files without chunking. With an empty fileType each
// file is routed by its extension. Every file gets its own result; one
// failure does not stop the rest.
func (s *Service) SaveFiles(ctx context.Context, fileType types.FileType, files []UploadFile) (types.UploadSummary, error) {
	if fileType != "" {
		if _, err := s.spec(fileType); err != nil {
			return types.UploadSummary{}, err
		}
	}

	summary := types.UploadSummary{Total: len(files), Files: make([]types.UploadResult, 0, len(files))}
	perType := make(map[types.FileType]int)

	for _, f := range files {
		res := types.UploadResult{OriginalName: f.Name, Size: f.Size}

		a, err := s.saveFile(ctx, fileType, f, perType)
		if err != nil {
			res.FileType = a.FileType
			res.Error = errorMessage(err)
			summary.Failed++
			summary.Files = append(summary.Files, res)
			continue
		}

		s.published(ctx, a, f.Name, "")

		res.FileName = a.FinalName
		res.FileType = a.FileType
		res.Size = a.Size
		res.URL = ArtifactURL(a.FileType, a.FinalName)
		res.Success = true
		summary.Success++
		summary.TotalSize += a.Size
		summary.Files = append(summary.Files, res)
	}

	summary.TotalSizeFormatted = humanize.IBytes(uint64(summary.TotalSize))
	s.Logger.Info("direct upload finished",
		slog.Int("total", summary.Total),
		slog.Int("success", summary.Success),
		slog.Int("failed", summary.Failed))
	return summary, nil
}

func (s *Service) saveFile(ctx context.Context, declared types.FileType, f UploadFile, perType map[types.FileType]int) (types.Artifact, error) {
	if err := artifact.ValidateName(f.Name); err != nil {
		return types.Artifact{}, err
	}

	fileType := declared
	if fileType == "" {
		detected, ok := s.Layout.Detect(f.Name)
		if !ok {
			return types.Artifact{}, mediaerr.New(mediaerr.KindInvalidType, "unsupported file type: %s", f.Name)
		}
		fileType = detected
	}
	spec, err := s.spec(fileType)
	if err != nil {
		return types.Artifact{}, err
	}
	if !spec.Allows(f.Name) {
		return types.Artifact{FileType: fileType}, mediaerr.New(mediaerr.KindInvalidType, "extension of %q is not allowed for %s", f.Name, fileType)
	}
	if spec.MaxFiles > 0 && perType[fileType] >= spec.MaxFiles {
		return types.Artifact{FileType: fileType}, mediaerr.New(mediaerr.KindTooLarge, "at most %d %s files per request", spec.MaxFiles, fileType)
	}
	if f.Size > spec.MaxSize {
		return types.Artifact{FileType: fileType}, mediaerr.New(mediaerr.KindTooLarge, "%s files are limited to %s", fileType, humanize.IBytes(uint64(spec.MaxSize)))
	}
	perType[fileType]++

	r, err := f.Open()
	if err != nil {
		return types.Artifact{FileType: fileType}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "open %q", f.Name)
	}
	defer r.Close()

	return s.Artifacts.Save(ctx, r, fileType, f.Name)
}

func errorMessage(err error) string {
	var me *mediaerr.Error
	if errors.As(err, &me) {
		return me.Message
	}
	return "internal error"
}

// List returns the published artifacts of fileType sorted by name.
func (s *Service) List(ctx context.Context, fileType types.FileType) ([]types.ListEntry, error) {
	if _, err := s.spec(fileType); err != nil {
		return nil, err
	}

	load := func() ([]types.ListEntry, error) {
		artifacts, err := s.Artifacts.List(fileType)
		if err != nil {
			return nil, err
		}
		entries := make([]types.ListEntry, 0, len(artifacts))
		for _, a := range artifacts {
			entries = append(entries, types.ListEntry{
				Name: a.FinalName,
				URL:  ArtifactURL(fileType, a.FinalName),
				Size: a.Size,
			})
		}
		return entries, nil
	}

	if s.Listings == nil {
		return load()
	}
	return s.Listings.GetListing(ctx, fileType, load)
}

// Resolve returns the stored path of a published artifact.
func (s *Service) Resolve(fileType types.FileType, name string) (string, error) {
	return s.Artifacts.Resolve(fileType, name)
}

// ArtifactInfo describes an artifact for the info endpoint.
type ArtifactInfo struct {
	types.Artifact
	OriginalName  string `json:"originalName,omitempty"`
	URL           string `json:"url"`
	SizeFormatted string `json:"sizeFormatted"`
	Registered    bool   `json:"registered"`
}

// Info merges what the filesystem knows about an artifact with its registry
// row, when there is one.
func (s *Service) Info(ctx context.Context, fileType types.FileType, name string) (ArtifactInfo, error) {
	a, err := s.Artifacts.Stat(fileType, name)
	if err != nil {
		return ArtifactInfo{}, err
	}

	info := ArtifactInfo{
		Artifact:      a,
		URL:           ArtifactURL(fileType, name),
		SizeFormatted: humanize.IBytes(uint64(a.Size)),
	}

	if s.Registry != nil {
		rec, err := s.Registry.GetArtifact(ctx, fileType, name)
		switch {
		case err == nil:
			info.Registered = true
			info.OriginalName = rec.OriginalName
			info.Checksum = rec.Checksum
			info.CreatedAt = rec.CreatedAt
		case errors.Is(err, storage.ErrArtifactNotFound):
		default:
			s.Logger.Warn("failed to load artifact record",
				slog.String("final_name", name),
				slog.String("error", err.Error()))
		}
	}

	return info, nil
}

// DownloadLink is a presigned link to the mirrored copy of an artifact.
type DownloadLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Service) DownloadURL(ctx context.Context, fileType types.FileType, name string) (DownloadLink, error) {
	if _, err := s.Artifacts.Resolve(fileType, name); err != nil {
		return DownloadLink{}, err
	}
	if s.Mirror == nil {
		return DownloadLink{}, mediaerr.New(mediaerr.KindNotFound, "object storage mirror is not enabled")
	}

	u, expires, err := s.Mirror.PresignedDownloadURL(ctx, fileType, name)
	if err != nil {
		if errors.Is(err, mirror.ErrNotMirrored) {
			return DownloadLink{}, mediaerr.New(mediaerr.KindNotFound, "%s %q has not been mirrored yet", fileType, name)
		}
		return DownloadLink{}, mediaerr.Wrap(mediaerr.KindIOFailure, err, "presign %q", name)
	}
	return DownloadLink{URL: u.String(), ExpiresAt: expires.UTC()}, nil
}

// History pages through the artifact registry, newest first. An empty
// fileType lists every type.
func (s *Service) History(ctx context.Context, fileType types.FileType, limit, offset uint64) ([]storage.ArtifactRecord, error) {
	if fileType != "" {
		if _, err := s.spec(fileType); err != nil {
			return nil, err
		}
	}
	if s.Registry == nil {
		return nil, mediaerr.New(mediaerr.KindNotFound, "artifact registry is not enabled")
	}

	records, err := s.Registry.ListArtifacts(ctx, storage.ArtifactFilter{FileType: fileType, Limit: limit, Offset: offset})
	if err != nil {
		return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "list registered artifacts")
	}
	if records == nil {
		records = []storage.ArtifactRecord{}
	}
	return records, nil
}

// TypeConfig is the public view of one file type's upload settings.
type TypeConfig struct {
	AllowedTypes       []string `json:"allowedTypes"`
	MaxSize            int64    `json:"maxSize"`
	MaxSizeFormatted   string   `json:"maxSizeFormatted"`
	MaxFiles           int      `json:"maxFiles"`
	ChunkSize          int64    `json:"chunkSize"`
	ChunkSizeFormatted string   `json:"chunkSizeFormatted"`
	ChunkRetryTimes    int      `json:"chunkRetryTimes"`
	ChunkTimeout       int64    `json:"chunkTimeout"`
	EnableChunking     bool     `json:"enableChunking"`
}

type GeneralConfig struct {
	MaxConcurrentChunks int   `json:"maxConcurrentChunks"`
	ChunkExpireTime     int64 `json:"chunkExpireTime"`
	EnableResume        bool  `json:"enableResume"`
	EnableVerification  bool  `json:"enableVerification"`
}

type PublicConfig struct {
	Video   *TypeConfig   `json:"video,omitempty"`
	Image   *TypeConfig   `json:"image,omitempty"`
	General GeneralConfig `json:"general"`
}

// PublicConfig reports the limits clients need to plan an upload. Durations
// are in milliseconds.
func (s *Service) PublicConfig() PublicConfig {
	view := func(t types.FileType) *TypeConfig {
		spec, ok := s.Layout[t]
		if !ok {
			return nil
		}
		return &TypeConfig{
			AllowedTypes:       spec.AllowedExts,
			MaxSize:            spec.MaxSize,
			MaxSizeFormatted:   humanize.IBytes(uint64(spec.MaxSize)),
			MaxFiles:           spec.MaxFiles,
			ChunkSize:          spec.ChunkSize,
			ChunkSizeFormatted: humanize.IBytes(uint64(spec.ChunkSize)),
			ChunkRetryTimes:    spec.ChunkRetryTimes,
			ChunkTimeout:       spec.ChunkTimeout.Milliseconds(),
			EnableChunking:     spec.EnableChunking,
		}
	}

	return PublicConfig{
		Video: view(types.FileTypeVideo),
		Image: view(types.FileTypeImage),
		General: GeneralConfig{
			MaxConcurrentChunks: s.Upload.MaxConcurrentChunks,
			ChunkExpireTime:     s.Upload.ChunkExpireTime.Milliseconds(),
			EnableResume:        s.Upload.EnableResume,
			EnableVerification:  s.Upload.EnableVerification,
		},
	}
}

// DiskInfo reports filesystem usage for every type's target directory.
func (s *Service) DiskInfo() (map[types.FileType]diskinfo.Usage, error) {
	out := make(map[types.FileType]diskinfo.Usage, len(s.Layout))
	for t, spec := range s.Layout {
		u, err := diskinfo.Stat(spec.TargetDir)
		if err != nil {
			return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "disk usage of %s directory", t)
		}
		out[t] = u
	}
	return out, nil
}
