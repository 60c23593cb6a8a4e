package media

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hou-li-xie/media-service/internal/artifact"
	"github.com/hou-li-xie/media-service/internal/config"
	"github.com/hou-li-xie/media-service/internal/http/middleware"
	mediaService "github.com/hou-li-xie/media-service/internal/services/media"
	"github.com/hou-li-xie/media-service/internal/stream"
	types "github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/hou-li-xie/media-service/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	root := t.TempDir()
	layout := types.Layout{
		types.FileTypeVideo: {
			Type:           types.FileTypeVideo,
			TargetDir:      filepath.Join(root, "videos"),
			TempDir:        filepath.Join(root, "videos", "temp"),
			AllowedExts:    []string{".mp4"},
			MaxSize:        1 << 20,
			MaxFiles:       10,
			ChunkSize:      4,
			EnableChunking: true,
		},
		types.FileTypeImage: {
			Type:        types.FileTypeImage,
			TargetDir:   filepath.Join(root, "images"),
			TempDir:     filepath.Join(root, "images", "temp"),
			AllowedExts: []string{".png"},
			MaxSize:     1 << 10,
			MaxFiles:    10,
			ChunkSize:   512,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := artifact.NewStore(layout, logger)
	require.NoError(t, err)
	chunks := upload.NewChunkStore(layout, logger, upload.WithVerification(true))
	sessions := upload.NewMemorySessions(time.Hour)
	coordinator := upload.NewCoordinator(chunks, store, upload.NewMemoryLocker(), sessions,
		upload.CoordinatorConfig{MergeTimeout: 10 * time.Second, CompletedTTL: time.Minute}, logger)

	svc := mediaService.NewService(mediaService.Deps{
		Layout:      layout,
		Upload:      config.Upload{ChunkExpireTime: time.Hour},
		Chunks:      chunks,
		Artifacts:   store,
		Coordinator: coordinator,
		Sessions:    sessions,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	NewMediaHandlers(svc, stream.NewStreamer(logger), 1<<20, logger).
		Register(mux, middleware.NewRateLimitConfig(config.RateLimit{}, nil, logger))

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
		coordinator.Close()
		sessions.Close()
	})
	return srv
}

type envelope struct {
	Status    string          `json:"status"`
	Kind      string          `json:"kind"`
	Error     string          `json:"error"`
	Retryable bool            `json:"retryable"`
	Data      json.RawMessage `json:"data"`
}

func do(t *testing.T, method, url string, body io.Reader, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestChunkedUploadMergeAndStream(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/uploads",
		strings.NewReader(`{"fileType":"video","fileName":"clip.mp4","fileSize":18}`), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session types.CreateSessionResponse
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &session))
	require.Equal(t, 5, session.TotalChunks)

	parts := []string{"AAAA", "BBBB", "CCCC", "DDDD", "EE"}
	for _, i := range []int{2, 0, 4, 1, 3} {
		url := fmt.Sprintf("%s/api/uploads/%s/chunks/%d?fileType=video", srv.URL, session.UploadID, i)
		resp := do(t, http.MethodPut, url, strings.NewReader(parts[i]), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "chunk %d", i)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/uploads/"+session.UploadID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status types.UploadStatus
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &status))
	assert.True(t, status.Complete)

	body := fmt.Sprintf(`{"uploadId":%q,"fileType":"video","fileName":"clip.mp4","totalChunks":5}`, session.UploadID)
	resp = do(t, http.MethodPost, srv.URL+"/api/merge-chunks", strings.NewReader(body), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var merged types.MergeChunksResponse
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &merged))
	assert.Equal(t, int64(18), merged.Size)
	assert.Len(t, merged.Checksum, 64)

	full := do(t, http.MethodGet, srv.URL+merged.URL, nil, nil)
	assert.Equal(t, http.StatusOK, full.StatusCode)
	assert.Equal(t, "AAAABBBBCCCCDDDDEE", readBody(t, full))
	assert.Equal(t, "bytes", full.Header.Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", full.Header.Get("Content-Type"))

	partial := do(t, http.MethodGet, srv.URL+merged.URL, nil, map[string]string{"Range": "bytes=4-7"})
	assert.Equal(t, http.StatusPartialContent, partial.StatusCode)
	assert.Equal(t, "bytes 4-7/18", partial.Header.Get("Content-Range"))
	assert.Equal(t, "BBBB", readBody(t, partial))

	suffix := do(t, http.MethodGet, srv.URL+merged.URL, nil, map[string]string{"Range": "bytes=-2"})
	assert.Equal(t, http.StatusPartialContent, suffix.StatusCode)
	assert.Equal(t, "EE", readBody(t, suffix))

	unsatisfiable := do(t, http.MethodGet, srv.URL+merged.URL, nil, map[string]string{"Range": "bytes=100-"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, unsatisfiable.StatusCode)
	assert.Equal(t, "bytes */18", unsatisfiable.Header.Get("Content-Range"))

	head := do(t, http.MethodHead, srv.URL+merged.URL, nil, nil)
	assert.Equal(t, http.StatusOK, head.StatusCode)
	assert.Equal(t, int64(18), head.ContentLength)

	list := do(t, http.MethodGet, srv.URL+"/api/videos", nil, nil)
	require.Equal(t, http.StatusOK, list.StatusCode)
	var entries []types.ListEntry
	require.NoError(t, json.NewDecoder(list.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, merged.FinalName, entries[0].Name)
	assert.Equal(t, merged.URL, entries[0].URL)

	again := do(t, http.MethodPost, srv.URL+"/api/merge-chunks", strings.NewReader(body), nil)
	require.Equal(t, http.StatusOK, again.StatusCode)
	var repeat types.MergeChunksResponse
	require.NoError(t, json.Unmarshal(decode(t, again).Data, &repeat))
	assert.Equal(t, merged.FinalName, repeat.FinalName)
}

func TestMergeWithMissingChunk(t *testing.T) {
	srv := newTestServer(t)

	for _, i := range []int{0, 2} {
		url := fmt.Sprintf("%s/api/uploads/clip.mp4/chunks/%d?fileType=video&fileName=clip.mp4", srv.URL, i)
		require.Equal(t, http.StatusOK, do(t, http.MethodPut, url, strings.NewReader("AAAA"), nil).StatusCode)
	}

	resp := do(t, http.MethodPost, srv.URL+"/api/merge-chunks",
		strings.NewReader(`{"fileType":"video","fileName":"clip.mp4","totalChunks":3}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env := decode(t, resp)
	assert.Equal(t, "missing_chunk", env.Kind)
	assert.False(t, env.Retryable)
	var detail struct {
		ChunkIndex int   `json:"chunkIndex"`
		Missing    []int `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, 1, detail.ChunkIndex)
	assert.Equal(t, []int{1}, detail.Missing)
}

func TestStreamRejectsTraversal(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/video/..%2F..%2Fetc%2Fpasswd", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_name", decode(t, resp).Kind)

	missing := do(t, http.MethodGet, srv.URL+"/api/video/nothing.mp4", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRequestValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/merge-chunks", strings.NewReader(`{"fileType":"audio","fileName":"a.mp3"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decode(t, resp).Kind)

	resp = do(t, http.MethodPost, srv.URL+"/api/merge-chunks", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/api/uploads/u1/chunks/-1?fileType=video", strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/api/uploads/u1/chunks/0?fileType=audio", strings.NewReader("x"), nil)
	assert.Equal(t, "invalid_type", decode(t, resp).Kind)
}

func TestChunkChecksumMismatch(t *testing.T) {
	srv := newTestServer(t)

	url := srv.URL + "/api/uploads/u1/chunks/0?fileType=video"
	resp := do(t, http.MethodPut, url, strings.NewReader("AAAA"), map[string]string{"X-Chunk-Checksum": strings.Repeat("0", 64)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decode(t, resp).Kind)
}

func multipartBody(t *testing.T, fields map[string]string, fileField string, files map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile(fileField, name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestMultipartChunkUpload(t *testing.T) {
	srv := newTestServer(t)

	for i, part := range []string{"AAAA", "BB"} {
		body, ct := multipartBody(t, map[string]string{
			"fileType":   "video",
			"fileName":   "movie.mp4",
			"chunkIndex": fmt.Sprint(i),
		}, "chunk", map[string]string{"blob": part})
		resp := do(t, http.MethodPost, srv.URL+"/api/chunk-upload", body, map[string]string{"Content-Type": ct})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := do(t, http.MethodPost, srv.URL+"/api/merge-chunks",
		strings.NewReader(`{"fileType":"video","fileName":"movie.mp4","totalChunks":2}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, ct := multipartBody(t, map[string]string{"fileType": "video", "fileName": "x.mp4", "chunkIndex": "0"}, "other", nil)
	resp = do(t, http.MethodPost, srv.URL+"/api/chunk-upload", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSmartUpload(t *testing.T) {
	srv := newTestServer(t)

	body, ct := multipartBody(t, nil, "files", map[string]string{
		"a.mp4": "video",
		"b.png": "image",
		"c.exe": "nope",
	})
	resp := do(t, http.MethodPost, srv.URL+"/api/smart-upload", body, map[string]string{"Content-Type": ct})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decode(t, resp)
	assert.Equal(t, "error", env.Status)
	var summary types.UploadSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, 1, summary.Failed)

	empty, ct := multipartBody(t, nil, "files", nil)
	resp = do(t, http.MethodPost, srv.URL+"/api/smart-upload", empty, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMultipleUploadRequiresType(t *testing.T) {
	srv := newTestServer(t)

	body, ct := multipartBody(t, nil, "files", map[string]string{"a.mp4": "video"})
	resp := do(t, http.MethodPost, srv.URL+"/api/multiple-upload", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_type", decode(t, resp).Kind)
}

func TestConfigAndHealth(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/config", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg mediaService.PublicConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	require.NotNil(t, cfg.Video)
	assert.Equal(t, []string{".mp4"}, cfg.Video.AllowedTypes)

	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/healthz", nil, nil).StatusCode)
}

func TestHistoryRequests(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/uploads?fileType=audio", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/uploads?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decode(t, resp).Kind)

	// The test server runs without a registry.
	resp = do(t, http.MethodGet, srv.URL+"/api/uploads?fileType=video&limit=10", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode(t, resp).Kind)
}
