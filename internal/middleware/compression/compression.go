// Package compression gzips admin API responses that are worth the
// CPU: the body is buffered until it crosses a size floor, and only
// then does the encoder kick in.
package compression

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/middleware"
)

// Compressor gzips responses larger than MinSize for clients that
// accept it.
type Compressor struct {
	enabled bool
	level   int
	minSize int
	pool    sync.Pool

	compressed atomic.Int64
	skipped    atomic.Int64
}

// New builds a Compressor from config. Out-of-range levels fall back
// to gzip's default.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		enabled: cfg.Enabled,
		level:   cfg.Level,
		minSize: cfg.MinSize,
	}
	if c.level < gzip.BestSpeed || c.level > gzip.BestCompression {
		c.level = gzip.DefaultCompression
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}
	c.pool = sync.Pool{
		New: func() any {
			gz, _ := gzip.NewWriterLevel(nil, c.level)
			return gz
		},
	}
	return c
}

// acceptsGzip reports whether the client advertises gzip support.
func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		part = strings.TrimSpace(part)
		if enc, params, found := strings.Cut(part, ";"); found {
			if strings.TrimSpace(enc) == "gzip" && !strings.Contains(params, "q=0") {
				return true
			}
			continue
		}
		if part == "gzip" {
			return true
		}
	}
	return false
}

// Middleware wraps the response writer when the client accepts gzip.
func (c *Compressor) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !c.enabled || !acceptsGzip(r) {
				next.ServeHTTP(w, r)
				return
			}
			cw := &responseWriter{ResponseWriter: w, c: c, status: http.StatusOK}
			defer cw.close()
			next.ServeHTTP(cw, r)
		})
	}
}

// Stats reports how many responses were compressed versus passed through.
type Stats struct {
	Compressed int64 `json:"compressed"`
	Skipped    int64 `json:"skipped"`
}

func (c *Compressor) Stats() Stats {
	return Stats{
		Compressed: c.compressed.Load(),
		Skipped:    c.skipped.Load(),
	}
}

// responseWriter buffers the body until it either crosses minSize
// (then compresses everything, buffered bytes included) or the request
// finishes small (then writes the buffer through untouched).
type responseWriter struct {
	http.ResponseWriter
	c      *Compressor
	status int
	buf    []byte
	gz     *gzip.Writer
	// set once the small/large decision is made
	decided     bool
	compressing bool
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.decided {
		w.buf = append(w.buf, b...)
		if len(w.buf) >= w.c.minSize {
			w.decide(true)
		}
		return len(b), nil
	}
	if w.compressing {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) decide(compress bool) {
	w.decided = true
	w.compressing = compress

	if compress {
		w.Header().Del("Content-Length")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
	}
	w.ResponseWriter.WriteHeader(w.status)

	if compress {
		gz := w.c.pool.Get().(*gzip.Writer)
		gz.Reset(w.ResponseWriter)
		w.gz = gz
	}
	if len(w.buf) > 0 {
		if compress {
			w.gz.Write(w.buf)
		} else {
			w.ResponseWriter.Write(w.buf)
		}
		w.buf = nil
	}
}

func (w *responseWriter) close() {
	if !w.decided {
		w.decide(false)
	}
	if w.compressing {
		w.gz.Close()
		w.c.pool.Put(w.gz)
		w.gz = nil
		w.c.compressed.Add(1)
		return
	}
	w.c.skipped.Add(1)
}

func (w *responseWriter) Flush() {
	if !w.decided {
		// An explicit flush forces the decision with what we have.
		w.decide(len(w.buf) >= w.c.minSize)
	}
	if w.compressing && w.gz != nil {
		w.gz.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
