package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// metaWriter records the status and body size written by a handler.
type metaWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (mw *metaWriter) WriteHeader(code int) {
	if mw.status == 0 {
		mw.status = code
	}
	mw.ResponseWriter.WriteHeader(code)
}

func (mw *metaWriter) Write(p []byte) (int, error) {
	if mw.status == 0 {
		mw.status = http.StatusOK
	}
	n, err := mw.ResponseWriter.Write(p)
	mw.size += int64(n)
	return n, err
}

func (mw *metaWriter) Flush() {
	if f, ok := mw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed by the websocket upgrader.
func (mw *metaWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := mw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	mw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (mw *metaWriter) Unwrap() http.ResponseWriter { return mw.ResponseWriter }

// Logging logs one line per request with status, size and duration.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			mw := &metaWriter{ResponseWriter: w}

			next.ServeHTTP(mw, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", mw.status,
				"size", mw.size,
				"duration_ms", time.Since(start).Milliseconds(),
				"client", ClientIP(r),
			)
		})
	}
}
