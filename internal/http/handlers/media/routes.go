package media

import (
	"net/http"

	"github.com/hou-li-xie/media-service/internal/http/middleware"
	types "github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/klauspost/compress/gzhttp"
)

// Register mounts the upload and streaming API on mux. JSON answers are
// gzip-compressed; streamed files never are, so Content-Length and byte
// offsets stay exact.
func (h *MediaHandlers) Register(mux *http.ServeMux, rl *middleware.RateLimitConfig) {
	compressed := func(hf http.HandlerFunc) http.Handler { return gzhttp.GzipHandler(hf) }
	limited := func(action string, hf http.HandlerFunc) http.Handler {
		return rl.RateLimitMiddleware(action)(compressed(hf))
	}

	mux.Handle("POST /api/uploads", limited(middleware.ActionUploads, h.CreateUpload()))
	mux.Handle("GET /api/uploads", compressed(h.History()))
	mux.Handle("GET /api/uploads/{uploadId}", compressed(h.UploadStatus()))
	mux.Handle("PUT /api/uploads/{uploadId}/chunks/{chunkIndex}", limited(middleware.ActionChunks, h.PutChunk()))
	mux.Handle("POST /api/chunk-upload", limited(middleware.ActionChunks, h.ChunkUploadForm()))
	mux.Handle("POST /api/merge-chunks", limited(middleware.ActionMerges, h.MergeChunks()))

	mux.Handle("POST /api/smart-upload", limited(middleware.ActionUploads, h.SmartUpload()))
	mux.Handle("POST /api/multiple-upload", limited(middleware.ActionUploads, h.MultipleUpload()))

	// GET patterns also match HEAD.
	mux.HandleFunc("GET /api/video/{filename}", h.Stream(types.FileTypeVideo))
	mux.HandleFunc("GET /api/image/{filename}", h.Stream(types.FileTypeImage))
	mux.Handle("GET /api/videos", compressed(h.List(types.FileTypeVideo)))
	mux.Handle("GET /api/images", compressed(h.List(types.FileTypeImage)))

	mux.Handle("GET /api/info/{fileType}/{filename}", compressed(h.Info()))
	mux.Handle("GET /api/download-url/{fileType}/{filename}", compressed(h.DownloadURL()))
	mux.Handle("GET /api/config", compressed(h.Config()))
	mux.Handle("GET /api/disk-info", compressed(h.DiskInfo()))
	mux.HandleFunc("GET /healthz", Health())
}
