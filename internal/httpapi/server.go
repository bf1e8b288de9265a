// Package httpapi exposes a text repository over two REST surfaces: a
// path-addressed one rooted at /, and a segment-addressed one under
// /api2 for clients that cannot put slashes in identifiers.
package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/knaw-huc/textsurf/internal/version"
	"github.com/knaw-huc/textsurf/textpool"
)

type server struct {
	pool *textpool.Pool
	log  *slog.Logger
}

// NewHandler builds the full HTTP surface over pool. Every response
// carries the service identity and an open CORS policy; bodies are
// gzipped when the client accepts it.
func NewHandler(pool *textpool.Pool, log *slog.Logger) http.Handler {
	s := &server{pool: pool, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.listRoot)
	mux.HandleFunc("GET /stat/{id...}", s.statText)

	mux.HandleFunc("GET /api2/{id}", s.api2Text)
	mux.HandleFunc("GET /api2/{id}/{region}", s.api2Region)
	mux.HandleFunc("POST /api2/{id}", s.api2Create)
	mux.HandleFunc("DELETE /api2/{id}", s.api2Delete)

	mux.HandleFunc("GET /{id...}", s.getText)
	mux.HandleFunc("POST /{id...}", s.createText)
	mux.HandleFunc("PUT /{id...}", s.putText)
	mux.HandleFunc("DELETE /{id...}", s.deleteText)

	var h http.Handler = mux
	h = gzipResponses(h)
	h = commonHeaders(h)
	h = logRequests(log, h)
	return h
}

func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Server", version.Server)
		next.ServeHTTP(w, r)
	})
}

func logRequests(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// gzipResponses compresses bodies for clients that ask for it. The
// status line and the encoding claim are held back until the first
// body write, so bodyless responses carry neither a gzip header nor an
// empty frame.
func gzipResponses(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Vary", "Accept-Encoding")
		gw := &gzipWriter{ResponseWriter: w}
		defer gw.close()
		next.ServeHTTP(gw, r)
	})
}

type gzipWriter struct {
	http.ResponseWriter
	zw     *gzip.Writer
	status int
}

func (g *gzipWriter) WriteHeader(code int) {
	g.status = code
}

func (g *gzipWriter) Write(b []byte) (int, error) {
	if g.zw == nil {
		g.Header().Set("Content-Encoding", "gzip")
		// Content-Length no longer matches once the body is compressed.
		g.Header().Del("Content-Length")
		if g.status == 0 {
			g.status = http.StatusOK
		}
		g.ResponseWriter.WriteHeader(g.status)
		g.zw = gzip.NewWriter(g.ResponseWriter)
	}
	return g.zw.Write(b)
}

// close finishes the frame, or releases a held-back status line for a
// response that never wrote a body.
func (g *gzipWriter) close() {
	if g.zw != nil {
		g.zw.Close()
		return
	}
	if g.status != 0 {
		g.ResponseWriter.WriteHeader(g.status)
	}
}
