package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

// CacheControl is sent with every blob served from the cache.
const CacheControl = "public, max-age=86400, must-revalidate"

// serveCached writes the blob behind a prefetch response. Compressed blobs
// are passed through to clients that accept gzip and decoded for the rest.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, resp *cache.Response) {
	if resp.Hit() {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	f, err := os.Open(resp.Path)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("opening blob: %w", err))
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, r, fmt.Errorf("stat blob: %w", err))
		return
	}

	h := w.Header()
	h.Set("Content-Type", resp.Header.Get("Content-Type"))
	h.Set(cache.HeaderCache, resp.Header.Get(cache.HeaderCache))
	h.Set(cache.HeaderCacheLocation, filepath.Base(resp.Path))
	h.Set("Cache-Control", CacheControl)

	if !resp.Entry.Compressed {
		h.Set("ETag", etag(resp, info, "identity"))
		http.ServeContent(w, r, "", info.ModTime(), f)
		return
	}

	h.Add("Vary", "Accept-Encoding")
	if acceptsGzip(r) {
		h.Set("ETag", etag(resp, info, "gzip"))
		h.Set("Content-Encoding", "gzip")
		http.ServeContent(w, r, "", info.ModTime(), f)
		return
	}
	h.Set("ETag", etag(resp, info, "decoded"))

	// Decoded on the fly, so no ranges or length.
	gz, err := gzip.NewReader(f)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("opening gzip stream: %w", err))
		return
	}
	defer func() { _ = gz.Close() }()

	if match := r.Header.Get("If-None-Match"); match != "" && match == h.Get("ETag") {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, gz); err != nil {
		s.logger.Warn("streaming decoded blob failed", "path", resp.Path, "error", err)
	}
}

// etag identifies one stored version of a blob in one transfer encoding.
func etag(resp *cache.Response, info os.FileInfo, encoding string) string {
	v := fmt.Sprintf("%s:%d:%d:%s", resp.Entry.Name, info.Size(), info.ModTime().UnixNano(), encoding)
	return `"` + mediacache.Digest([]byte(v)) + `"`
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}
