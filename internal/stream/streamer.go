// Package stream serves stored artifacts over HTTP with single byte-range
// support for seekable playback.
package stream

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hou-li-xie/media-service/internal/mediaerr"
	"github.com/hou-li-xie/media-service/internal/types/media"
)

const (
	defaultCacheControl = "public, max-age=31536000, immutable"
	copyBufferSize      = 256 << 10
)

// Result is the outcome of Open: the status to send, the headers, and the
// body section to copy. Body is nil for 416 answers.
type Result struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Length int64
}

type Streamer struct {
	cacheControl string
	logger       *slog.Logger
}

func NewStreamer(logger *slog.Logger) *Streamer {
	return &Streamer{cacheControl: defaultCacheControl, logger: logger}
}

type rangeOutcome int

const (
	rangeNone rangeOutcome = iota
	rangeSatisfiable
	rangeUnsatisfiable
)

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// parseRange interprets a Range header against a file of size bytes. Only a
// single bytes range is honoured; anything it cannot read is treated as if
// the header were absent.
func parseRange(header string, size int64) (int64, int64, rangeOutcome) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, rangeNone
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, rangeNone
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	if startStr == "" {
		// suffix form: the last n bytes
		if !isDigits(endStr) {
			return 0, 0, rangeNone
		}
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return 0, 0, rangeNone
		}
		if n == 0 || size == 0 {
			return 0, 0, rangeUnsatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, rangeSatisfiable
	}

	if !isDigits(startStr) {
		return 0, 0, rangeNone
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, rangeNone
	}

	end := size - 1
	if endStr != "" {
		if !isDigits(endStr) {
			return 0, 0, rangeNone
		}
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, rangeNone
		}
		if end > size-1 {
			end = size - 1
		}
	}

	if start >= size {
		return 0, 0, rangeUnsatisfiable
	}
	return start, end, rangeSatisfiable
}

// ETag derives a validator from size and modification time; artifacts are
// immutable so the pair identifies the content.
func ETag(info fs.FileInfo) string {
	return fmt.Sprintf(`"%x-%x"`, info.Size(), info.ModTime().UnixNano())
}

// ifRangeMatches reports whether a range request may be honoured given the
// If-Range precondition.
func ifRangeMatches(ifRange, etag string, modTime time.Time) bool {
	if ifRange == "" {
		return true
	}
	if strings.HasPrefix(ifRange, `"`) || strings.HasPrefix(ifRange, "W/") {
		return ifRange == etag
	}
	t, err := http.ParseTime(ifRange)
	if err != nil {
		return false
	}
	return !modTime.Truncate(time.Second).After(t)
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s sectionReadCloser) Close() error { return s.f.Close() }

// Open prepares the response for path. The returned Body must be closed by
// the caller.
func (s *Streamer) Open(path, rangeHeader, ifRange string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, mediaerr.New(mediaerr.KindNotFound, "file not found")
		}
		return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "open file")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mediaerr.Wrap(mediaerr.KindIOFailure, err, "stat file")
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, mediaerr.New(mediaerr.KindNotFound, "file not found")
	}

	size := info.Size()
	etag := ETag(info)

	h := make(http.Header)
	h.Set("Content-Type", media.MimeType(path))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", s.cacheControl)
	h.Set("ETag", etag)
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	outcome := rangeNone
	var rs, re int64
	if rangeHeader != "" && ifRangeMatches(ifRange, etag, info.ModTime()) {
		rs, re, outcome = parseRange(rangeHeader, size)
	}

	switch outcome {
	case rangeUnsatisfiable:
		f.Close()
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		h.Set("Content-Length", "0")
		return &Result{Status: http.StatusRequestedRangeNotSatisfiable, Header: h}, nil

	case rangeSatisfiable:
		length := re - rs + 1
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rs, re, size))
		h.Set("Content-Length", strconv.FormatInt(length, 10))
		return &Result{
			Status: http.StatusPartialContent,
			Header: h,
			Body:   sectionReadCloser{SectionReader: io.NewSectionReader(f, rs, length), f: f},
			Length: length,
		}, nil
	}

	h.Set("Content-Length", strconv.FormatInt(size, 10))
	return &Result{
		Status: http.StatusOK,
		Header: h,
		Body:   sectionReadCloser{SectionReader: io.NewSectionReader(f, 0, size), f: f},
		Length: size,
	}, nil
}

// trackingReader remembers whether a failure came from the file side.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// Serve writes the file at path to w honouring r's Range header. Errors
// before any byte is written are returned; a read failure mid-body aborts
// the connection so the client cannot mistake a truncated body for a
// complete one.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, path string) error {
	res, err := s.Open(path, r.Header.Get("Range"), r.Header.Get("If-Range"))
	if err != nil {
		return err
	}
	if res.Body != nil {
		defer res.Body.Close()
	}

	for k, v := range res.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(res.Status)

	if r.Method == http.MethodHead || res.Body == nil {
		return nil
	}

	src := &trackingReader{r: res.Body}
	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(w, src, buf)
	if err == nil {
		return nil
	}

	if src.err != nil && r.Context().Err() == nil {
		s.logger.Error("stream read failed",
			"path", path,
			"written", n,
			"expected", res.Length,
			"error", src.err.Error())
		panic(http.ErrAbortHandler)
	}

	s.logger.Debug("client went away during stream",
		"path", path,
		"written", n,
		"expected", res.Length)
	return nil
}
