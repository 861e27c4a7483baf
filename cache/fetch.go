package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/metadata"
	"github.com/wolfeidau/media-cache/telemetry"
	"github.com/wolfeidau/media-cache/upstream"
)

// execute runs one item on its slot goroutine and reports the outcome to the
// worker. entry is the fresh metadata found at dispatch, or nil.
func (s *Service) execute(it *item, entry *metadata.Entry) {
	out := outcome{item: it}

	if entry != nil {
		resp, err := s.serveHit(it, *entry)
		if err == nil {
			out.resp = resp
			s.results <- out
			return
		}
		// The entry lied about its blob; refetch in this slot.
		s.logger.Warn("cache hit failed, refetching",
			"id", it.id,
			"url", it.mapKey,
			"blob", entry.Name,
			"error", err,
		)
		out.evict = true
	}

	resp, stored, err := s.fetchAndStore(it)
	if err != nil {
		out.evict = true
		out.err = err
	} else {
		out.resp = resp
		out.upsert = stored
	}
	s.results <- out
}

func (s *Service) serveHit(it *item, e metadata.Entry) (*Response, error) {
	if it.options.Prefetch {
		info, err := s.blobs.Stat(it.ctx, e.Name)
		if err != nil {
			return nil, fmt.Errorf("stat blob: %w", err)
		}
		if !info.Regular {
			return nil, fmt.Errorf("blob %s is not a regular file", e.Name)
		}
		return newResponse(CacheHit, it.path, e, true, nil), nil
	}

	rc, err := s.blobs.Read(it.ctx, e.Name)
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	defer func() { _ = rc.Close() }()

	body, err := readBlob(rc, e.Compressed)
	if err != nil {
		return nil, err
	}
	return newResponse(CacheHit, it.path, e, false, body), nil
}

// fetchAndStore downloads it from upstream and streams the body into its
// blob. On any failure the partial blob is removed.
func (s *Service) fetchAndStore(it *item) (*Response, *metadata.Entry, error) {
	resp, err := s.upstream.Fetch(it.ctx, it.url.String(), it.options.Accept)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching %s: %w", it.mapKey, err)
	}
	defer func() { _ = resp.Body.Close() }()

	name := it.key.String()
	contentType := resolveContentType(resp.Header.Get("Content-Type"), it.url.Path, it.options.Accept)

	bw, err := s.blobs.Writer(it.ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("creating blob: %w", err)
	}

	body, err := s.copyBody(it, bw, resp.Body)
	if err != nil {
		_ = bw.Abort()
		if derr := s.blobs.Delete(it.ctx, name); derr != nil && !errors.Is(derr, backend.ErrNotFound) {
			s.logger.Warn("failed to remove partial blob", "blob", name, "error", derr)
		}
		return nil, nil, err
	}

	if info, err := s.blobs.Stat(it.ctx, name); err == nil {
		telemetry.RecordBlobWrite(it.ctx, it.class.String(), info.Size, it.options.Compress)
	}

	e := &metadata.Entry{
		Name:        name,
		ContentType: contentType,
		Compressed:  it.options.Compress,
		Created:     s.now().UTC(),
	}
	return newResponse(CacheMiss, it.path, *e, it.options.Prefetch, body), e, nil
}

// copyBody streams src into bw, compressing when requested, and commits the
// blob. The decoded bytes are also returned unless the item is a prefetch.
func (s *Service) copyBody(it *item, bw backend.BlobWriter, src io.Reader) ([]byte, error) {
	var sink io.Writer = bw
	flush := func() error { return nil }
	if it.options.Compress {
		sink, flush = compressWriter(bw)
	}

	var buf *bytes.Buffer
	dst := sink
	if !it.options.Prefetch {
		buf = new(bytes.Buffer)
		dst = io.MultiWriter(sink, buf)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", it.mapKey, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%s: %w", it.mapKey, upstream.ErrEmptyBody)
	}
	if err := flush(); err != nil {
		return nil, fmt.Errorf("compressing blob: %w", err)
	}
	if err := bw.Close(); err != nil {
		return nil, fmt.Errorf("committing blob: %w", err)
	}

	if buf == nil {
		return nil, nil
	}
	return buf.Bytes(), nil
}
