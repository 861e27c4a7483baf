package cache

import (
	"net/http"

	"github.com/wolfeidau/media-cache/metadata"
)

// Response headers set on every cache response.
const (
	HeaderCache         = "X-Cache"
	HeaderCacheLocation = "X-Cache-Location"

	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// Response is the outcome of a successful fetch.
type Response struct {
	Status int
	Header http.Header

	// Body is the decoded content. It is nil for prefetch responses.
	// Body is shared between deduplicated callers and must not be modified.
	Body []byte

	// Path is the absolute path of the blob on disk.
	Path string

	// Entry is the metadata the response was served from or stored as.
	Entry metadata.Entry

	headerOnly bool
}

// Hit reports whether the response was served from the cache.
func (r *Response) Hit() bool {
	return r.Header.Get(HeaderCache) == CacheHit
}

// clone returns a copy that is safe to hand to one caller.
func (r *Response) clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}

// withoutBody returns the copy a prefetch caller gets from a body fetch.
func (r *Response) withoutBody() *Response {
	c := r.clone()
	c.Body = nil
	c.headerOnly = true
	if r.Entry.Compressed {
		c.Header.Set("Content-Encoding", "gzip")
	}
	return c
}

func newResponse(cacheResult, path string, e metadata.Entry, prefetch bool, body []byte) *Response {
	h := make(http.Header)
	h.Set(HeaderCache, cacheResult)
	h.Set(HeaderCacheLocation, path)
	h.Set("Content-Type", e.ContentType)
	// Only a header-only response leaves the stored bytes to the caller, so
	// only then are they still encoded.
	if prefetch && e.Compressed {
		h.Set("Content-Encoding", "gzip")
	}
	return &Response{
		Status:     http.StatusOK,
		Header:     h,
		Body:       body,
		Path:       path,
		Entry:      e,
		headerOnly: prefetch,
	}
}
