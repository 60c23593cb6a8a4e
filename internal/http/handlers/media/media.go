package media

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/hou-li-xie/media-service/internal/mediaerr"
	mediaService "github.com/hou-li-xie/media-service/internal/services/media"
	"github.com/hou-li-xie/media-service/internal/stream"
	types "github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/hou-li-xie/media-service/internal/utils/response"
)

const (
	// maxFormFiles bounds the parts of one direct upload request.
	maxFormFiles = 50

	// multipartMemory is kept in memory while parsing forms; the rest
	// spills to temporary files.
	multipartMemory = 32 << 20

	// formOverhead allows for the non-file fields of a chunk form.
	formOverhead = 1 << 20
)

type MediaHandlers struct {
	mediaService  *mediaService.Service
	streamer      *stream.Streamer
	maxChunkBytes int64
	logger        *slog.Logger
}

// NewMediaHandlers creates a new media handlers instance
func NewMediaHandlers(mediaService *mediaService.Service, streamer *stream.Streamer, maxChunkBytes int64, logger *slog.Logger) *MediaHandlers {
	return &MediaHandlers{
		mediaService:  mediaService,
		streamer:      streamer,
		maxChunkBytes: maxChunkBytes,
		logger:        logger,
	}
}

// fail renders err. Server-side failures are logged with their cause, which
// never reaches the client.
func (h *MediaHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := response.FromError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	response.WriteError(w, err)
}

func parseFileType(s string) (types.FileType, error) {
	t := types.FileType(s)
	if !t.Valid() {
		return "", mediaerr.New(mediaerr.KindInvalidType, "unsupported file type %q", s)
	}
	return t, nil
}

func parseChunkIndex(s string) (int, error) {
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return 0, mediaerr.New(mediaerr.KindInvalidRequest, "chunkIndex must be a non-negative integer")
	}
	return index, nil
}

// decodeJSON reads and validates a JSON body into v. It writes the error
// response itself and reports whether the handler may continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		response.WriteError(w, mediaerr.New(mediaerr.KindInvalidRequest, "request body cannot be empty"))
		return false
	} else if err != nil {
		response.WriteError(w, mediaerr.New(mediaerr.KindInvalidRequest, "invalid request body"))
		return false
	}

	// Validate request
	validate := validator.New()
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			response.WriteJSON(w, http.StatusBadRequest, response.ValidationError(ve))
			return false
		}
		response.WriteError(w, mediaerr.New(mediaerr.KindInvalidRequest, "invalid request body"))
		return false
	}
	return true
}

// CreateUpload opens a chunked upload session
// @Summary Start a chunked upload
// @Description Mint an upload token and get the chunk plan for a file
// @Tags uploads
// @Accept json
// @Produce json
// @Param request body types.CreateSessionRequest true "File to upload"
// @Success 201 {object} types.CreateSessionResponse
// @Failure 400 {object} response.Response "Bad request"
// @Failure 413 {object} response.Response "File too large"
// @Router /api/uploads [post]
func (h *MediaHandlers) CreateUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateSessionRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		session, err := h.mediaService.CreateSession(r.Context(), req)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		response.WriteJSON(w, http.StatusCreated, response.RequestOK("Upload session created", session))
	}
}

// UploadStatus reports received and missing chunks of an upload
// @Summary Get upload status
// @Tags uploads
// @Produce json
// @Param uploadId path string true "Upload ID"
// @Param fileType query string false "video or image; required without a session"
// @Success 200 {object} types.UploadStatus
// @Failure 400 {object} response.Response "Bad request"
// @Failure 404 {object} response.Response "Unknown upload"
// @Router /api/uploads/{uploadId} [get]
func (h *MediaHandlers) UploadStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fileType types.FileType
		if q := r.URL.Query().Get("fileType"); q != "" {
			t, err := parseFileType(q)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			fileType = t
		}

		status, err := h.mediaService.SessionStatus(r.Context(), r.PathValue("uploadId"), fileType)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Upload status", status))
	}
}

// PutChunk stores one chunk sent as the raw request body
// @Summary Upload a chunk
// @Tags uploads
// @Accept octet-stream
// @Produce json
// @Param uploadId path string true "Upload ID"
// @Param chunkIndex path int true "Zero-based chunk index"
// @Param fileType query string true "video or image"
// @Param fileName query string false "Declared file name"
// @Param X-Chunk-Checksum header string false "BLAKE3 hex digest of the chunk"
// @Success 200 {object} types.ChunkRef
// @Failure 400 {object} response.Response "Bad request"
// @Failure 413 {object} response.Response "Chunk too large"
// @Failure 503 {object} response.Response "Timed out, retry"
// @Router /api/uploads/{uploadId}/chunks/{chunkIndex} [put]
func (h *MediaHandlers) PutChunk() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileType, err := parseFileType(r.URL.Query().Get("fileType"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		index, err := parseChunkIndex(r.PathValue("chunkIndex"))
		if err != nil {
			h.fail(w, r, err)
			return
		}

		ref, err := h.mediaService.PutChunk(r.Context(), mediaService.ChunkUpload{
			UploadID: r.PathValue("uploadId"),
			FileType: fileType,
			FileName: r.URL.Query().Get("fileName"),
			Index:    index,
			Body:     r.Body,
			Checksum: r.Header.Get("X-Chunk-Checksum"),
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Chunk stored", ref))
	}
}

// ChunkUploadForm stores one chunk sent as a multipart form
// @Summary Upload a chunk (multipart)
// @Tags uploads
// @Accept multipart/form-data
// @Produce json
// @Param fileType formData string true "video or image"
// @Param fileName formData string true "Declared file name"
// @Param chunkIndex formData int true "Zero-based chunk index"
// @Param uploadId formData string false "Upload ID; defaults to fileName"
// @Param chunk formData file true "Chunk bytes"
// @Success 200 {object} types.ChunkRef
// @Failure 400 {object} response.Response "Bad request"
// @Failure 503 {object} response.Response "Timed out, retry"
// @Router /api/chunk-upload [post]
func (h *MediaHandlers) ChunkUploadForm() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkBytes+formOverhead)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			h.fail(w, r, formError(err))
			return
		}
		defer r.MultipartForm.RemoveAll()

		fileType, err := parseFileType(r.FormValue("fileType"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		index, err := parseChunkIndex(r.FormValue("chunkIndex"))
		if err != nil {
			h.fail(w, r, err)
			return
		}

		chunk, _, err := r.FormFile("chunk")
		if err != nil {
			h.fail(w, r, mediaerr.New(mediaerr.KindInvalidRequest, "no chunk file received"))
			return
		}
		defer chunk.Close()

		ref, err := h.mediaService.PutChunk(r.Context(), mediaService.ChunkUpload{
			UploadID: r.FormValue("uploadId"),
			FileType: fileType,
			FileName: r.FormValue("fileName"),
			Index:    index,
			Body:     chunk,
			Checksum: r.Header.Get("X-Chunk-Checksum"),
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Chunk stored", ref))
	}
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return mediaerr.New(mediaerr.KindTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
	}
	return mediaerr.New(mediaerr.KindInvalidRequest, "malformed multipart form")
}

// MergeChunks assembles the chunks of an upload into the final file
// @Summary Merge chunks
// @Tags uploads
// @Accept json
// @Produce json
// @Param request body types.MergeChunksRequest true "Merge request"
// @Success 200 {object} types.MergeChunksResponse
// @Failure 400 {object} response.Response "Bad request or missing chunk"
// @Failure 409 {object} response.Response "Conflicting merge"
// @Failure 503 {object} response.Response "Timed out, retry"
// @Router /api/merge-chunks [post]
func (h *MediaHandlers) MergeChunks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.MergeChunksRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		merged, err := h.mediaService.Merge(r.Context(), req)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Chunks merged", merged))
	}
}

// Stream serves a stored file with byte-range support
// @Summary Stream a video or image
// @Tags media
// @Produce octet-stream
// @Param filename path string true "Stored file name"
// @Param Range header string false "bytes=start-end"
// @Success 200 {file} file
// @Success 206 {file} file
// @Failure 400 {object} response.Response "Invalid name"
// @Failure 404 {object} response.Response "Not found"
// @Failure 416 {string} string "Range not satisfiable"
// @Router /api/video/{filename} [get]
// @Router /api/image/{filename} [get]
func (h *MediaHandlers) Stream(fileType types.FileType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := h.mediaService.Resolve(fileType, r.PathValue("filename"))
		if err != nil {
			h.fail(w, r, err)
			return
		}

		if err := h.streamer.Serve(w, r, path); err != nil {
			h.fail(w, r, err)
		}
	}
}

// List lists stored files of one type
// @Summary List videos or images
// @Tags media
// @Produce json
// @Success 200 {array} types.ListEntry
// @Router /api/videos [get]
// @Router /api/images [get]
func (h *MediaHandlers) List(fileType types.FileType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := h.mediaService.List(r.Context(), fileType)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, entries)
	}
}

func formFiles(r *http.Request) ([]mediaService.UploadFile, error) {
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		return nil, mediaerr.New(mediaerr.KindInvalidRequest, "no files selected")
	}
	if len(headers) > maxFormFiles {
		return nil, mediaerr.New(mediaerr.KindTooLarge, "at most %d files per request", maxFormFiles)
	}

	files := make([]mediaService.UploadFile, 0, len(headers))
	for _, fh := range headers {
		files = append(files, mediaService.UploadFile{
			Name: fh.Filename,
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return files, nil
}

func (h *MediaHandlers) saveFiles(w http.ResponseWriter, r *http.Request, fileType types.FileType) {
	files, err := formFiles(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	summary, err := h.mediaService.SaveFiles(r.Context(), fileType, files)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if summary.Success == 0 {
		status = http.StatusBadRequest
	}
	response.WriteJSON(w, status, response.Response{
		Status: statusOf(summary),
		Data:   summary,
	})
}

func statusOf(summary types.UploadSummary) string {
	if summary.Failed == 0 {
		return response.StatusSuccess
	}
	return response.StatusError
}

func parseFilesForm(r *http.Request) (*multipart.Form, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, formError(err)
	}
	return r.MultipartForm, nil
}

// SmartUpload stores whole files, sorting them into videos and images by
// extension
// @Summary Upload files routed by extension
// @Tags media
// @Accept multipart/form-data
// @Produce json
// @Param files formData file true "Files (up to 50)"
// @Success 200 {object} types.UploadSummary
// @Failure 400 {object} response.Response "Bad request"
// @Router /api/smart-upload [post]
func (h *MediaHandlers) SmartUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		form, err := parseFilesForm(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		defer form.RemoveAll()

		h.saveFiles(w, r, "")
	}
}

// MultipleUpload stores whole files of one declared type
// @Summary Upload files of one type
// @Tags media
// @Accept multipart/form-data
// @Produce json
// @Param fileType formData string true "video or image"
// @Param files formData file true "Files (up to 50)"
// @Success 200 {object} types.UploadSummary
// @Failure 400 {object} response.Response "Bad request"
// @Router /api/multiple-upload [post]
func (h *MediaHandlers) MultipleUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		form, err := parseFilesForm(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		defer form.RemoveAll()

		fileType, err := parseFileType(r.FormValue("fileType"))
		if err != nil {
			h.fail(w, r, err)
			return
		}

		h.saveFiles(w, r, fileType)
	}
}

// Config returns the public upload configuration
// @Summary Upload configuration
// @Tags config
// @Produce json
// @Success 200 {object} mediaService.PublicConfig
// @Router /api/config [get]
func (h *MediaHandlers) Config() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.WriteJSON(w, http.StatusOK, h.mediaService.PublicConfig())
	}
}

// DiskInfo returns disk usage of the storage folders
// @Summary Disk usage
// @Tags config
// @Produce json
// @Success 200 {object} map[string]diskinfo.Usage
// @Failure 500 {object} response.Response "Internal server error"
// @Router /api/disk-info [get]
func (h *MediaHandlers) DiskInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usage, err := h.mediaService.DiskInfo()
		if err != nil {
			h.fail(w, r, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, usage)
	}
}

// Info returns metadata of a stored file
// @Summary File information
// @Tags media
// @Produce json
// @Param fileType path string true "video or image"
// @Param filename path string true "Stored file name"
// @Success 200 {object} mediaService.ArtifactInfo
// @Failure 400 {object} response.Response "Bad request"
// @Failure 404 {object} response.Response "Not found"
// @Router /api/info/{fileType}/{filename} [get]
func (h *MediaHandlers) Info() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileType, err := parseFileType(r.PathValue("fileType"))
		if err != nil {
			h.fail(w, r, err)
			return
		}

		info, err := h.mediaService.Info(r.Context(), fileType, r.PathValue("filename"))
		if err != nil {
			h.fail(w, r, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("File information", info))
	}
}

// DownloadURL returns a presigned link to the object storage copy of a file
// @Summary Presigned download URL
// @Tags media
// @Produce json
// @Param fileType path string true "video or image"
// @Param filename path string true "Stored file name"
// @Success 200 {object} mediaService.DownloadLink
// @Failure 404 {object} response.Response "Not found or not mirrored"
// @Router /api/download-url/{fileType}/{filename} [get]
func (h *MediaHandlers) DownloadURL() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileType, err := parseFileType(r.PathValue("fileType"))
		if err != nil {
			h.fail(w, r, err)
			return
		}

		link, err := h.mediaService.DownloadURL(r.Context(), fileType, r.PathValue("filename"))
		if err != nil {
			h.fail(w, r, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Download URL generated successfully", link))
	}
}

func parsePage(q url.Values) (limit, offset uint64, err error) {
	for name, dst := range map[string]*uint64{"limit": &limit, "offset": &offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return 0, 0, mediaerr.New(mediaerr.KindInvalidRequest, "%s must be a non-negative integer", name)
		}
		*dst = n
	}
	return limit, offset, nil
}

// History lists registered artifacts, newest first
// @Summary Upload history
// @Tags uploads
// @Produce json
// @Param fileType query string false "video or image"
// @Param limit query int false "Page size (default 100, at most 500)"
// @Param offset query int false "Rows to skip"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response "Registry not enabled"
// @Router /api/uploads [get]
func (h *MediaHandlers) History() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var fileType types.FileType
		if v := q.Get("fileType"); v != "" {
			t, err := parseFileType(v)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			fileType = t
		}

		limit, offset, err := parsePage(q)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		records, err := h.mediaService.History(r.Context(), fileType, limit, offset)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Upload history retrieved", records))
	}
}

// Health reports liveness
// @Summary Liveness probe
// @Tags health
// @Produce json
// @Success 200 {object} response.Response
// @Router /healthz [get]
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.WriteJSON(w, http.StatusOK, response.RequestOK("ok", nil))
	}
}
