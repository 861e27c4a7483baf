// Package cache implements the remote-resource fetch cache: a bounded,
// priority-ordered, deduplicated fetcher that persists responses to disk
// and serves them until they expire.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/metadata"
	"github.com/wolfeidau/media-cache/telemetry"
	"github.com/wolfeidau/media-cache/upstream"
)

const (
	// DefaultConcurrency is the number of fetch slots.
	DefaultConcurrency = 5

	// DefaultAbsoluteCeiling caps every entry's freshness regardless of MaxAge.
	DefaultAbsoluteCeiling = 60 * 24 * time.Hour

	// DefaultRetentionCeiling is the age past which cleanup removes entries.
	DefaultRetentionCeiling = 8 * 7 * 24 * time.Hour

	blobDir  = "cache"
	lockFile = "cache.lock"
)

var (
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid url")

	// ErrInvalidOptions is returned when fetch options fail validation.
	ErrInvalidOptions = errors.New("invalid options")

	// ErrClosed is returned for work submitted to or aborted by a closed service.
	ErrClosed = errors.New("cache closed")

	// ErrLocked is returned by Open when another process holds the data directory.
	ErrLocked = errors.New("data directory locked by another process")
)

// Fetcher performs upstream requests. *upstream.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, accept []string) (*http.Response, error)
}

// Config holds cache configuration.
type Config struct {
	// DataDir holds the checkpoint document, the lock file and the blob
	// directory. Required.
	DataDir string

	// Concurrency is the number of fetches, hits included, that may run at
	// once. Default 5.
	Concurrency int

	// AbsoluteCeiling is the hard upper bound on entry freshness.
	// Default 60 days.
	AbsoluteCeiling time.Duration

	// RetentionCeiling is the age at which cleanup discards an entry.
	// Default 8 weeks.
	RetentionCeiling time.Duration

	// CleanupOnClose runs a full cleanup pass instead of a bare checkpoint
	// when the service closes.
	CleanupOnClose bool

	// Upstream performs network fetches. Default upstream.New().
	Upstream Fetcher

	// Latency records per-class fetch latency. Default a new tracker.
	Latency *telemetry.LatencyTracker

	// Logger for cache events.
	Logger *slog.Logger

	now func() time.Time
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued      int                      `json:"queued"`
	Active      int                      `json:"active"`
	Entries     int                      `json:"entries"`
	Concurrency int                      `json:"concurrency"`
	Latency     []telemetry.LatencyStats `json:"latency,omitempty"`
}

// Service is the cache facade. All metadata and blob mutations happen on a
// single worker goroutine; Service methods talk to it over channels.
type Service struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// started is wall-clock time once the lock is held. Temp files older
	// than this were left by an earlier process.
	started time.Time

	lock     *flock.Flock
	blobRoot *backend.Filesystem
	blobs    *backend.InstrumentedBackend
	meta     *metadata.Store // worker-owned
	upstream Fetcher
	latency  *telemetry.LatencyTracker

	fetches  *download.Downloader[*Response]
	cleanups *download.Downloader[*CleanupResult]

	requests chan request
	results  chan outcome
	expired  chan *item

	rootCtx    context.Context
	rootCancel context.CancelFunc

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Open locks the data directory, loads the checkpoint and starts the worker.
func Open(cfg Config) (*Service, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.AbsoluteCeiling <= 0 {
		cfg.AbsoluteCeiling = DefaultAbsoluteCeiling
	}
	if cfg.RetentionCeiling <= 0 {
		cfg.RetentionCeiling = DefaultRetentionCeiling
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Upstream == nil {
		cfg.Upstream = upstream.New()
	}
	if cfg.Latency == nil {
		cfg.Latency = telemetry.NewLatencyTracker(0.01)
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	logger := cfg.Logger.With("component", "cache")

	root, err := backend.NewFilesystem(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening data directory: %w", err)
	}

	lock := flock.New(filepath.Join(root.Root(), lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, root.Root())
	}
	// Truncated to cover filesystems with coarse mtimes.
	started := time.Now().Truncate(time.Second)

	blobRoot, err := backend.NewFilesystem(filepath.Join(root.Root(), blobDir))
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("opening blob directory: %w", err)
	}

	meta := metadata.NewStore(backend.NewInstrumentedBackend(root, "metadata"))
	if err := meta.Load(context.Background()); err != nil {
		if !errors.Is(err, metadata.ErrCorrupt) {
			_ = lock.Unlock()
			return nil, fmt.Errorf("loading metadata: %w", err)
		}
		// Blobs become orphans and are reclaimed by the next cleanup.
		logger.Warn("discarding corrupt checkpoint", "error", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())

	s := &Service{
		cfg:        cfg,
		logger:     logger,
		now:        cfg.now,
		started:    started,
		lock:       lock,
		blobRoot:   blobRoot,
		blobs:      backend.NewInstrumentedBackend(blobRoot, "blobs"),
		meta:       meta,
		upstream:   cfg.Upstream,
		latency:    cfg.Latency,
		fetches:    download.New[*Response](download.WithLogger(logger)),
		cleanups:   download.New[*CleanupResult](download.WithLogger(logger)),
		requests:   make(chan request),
		results:    make(chan outcome),
		expired:    make(chan *item),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		done:       make(chan struct{}),
	}

	w := newWorker(s)
	go w.run()

	logger.Info("cache ready",
		"data_dir", root.Root(),
		"entries", meta.Len(),
		"concurrency", cfg.Concurrency,
	)
	return s, nil
}

// BlobDir returns the directory holding blob files.
func (s *Service) BlobDir() string {
	return s.blobRoot.Root()
}

// Fetch returns the resource at rawURL, from the cache when a fresh entry
// exists and from the network otherwise. Concurrent calls for the same cache
// key share one fetch. ctx bounds only this caller's wait.
func (s *Service) Fetch(ctx context.Context, rawURL string, opts ...Option) (*Response, error) {
	if s.closing.Load() {
		return nil, ErrClosed
	}

	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	o, err := resolveOptions(opts...)
	if err != nil {
		return nil, err
	}

	mapKey := u.String()
	name := o.Name
	if name == "" {
		name = mapKey
	}
	key := mediacache.KeyFor(name)

	var (
		resp   *Response
		shared bool
	)
	for {
		resp, shared, err = s.fetches.Do(ctx, key.String(), func(context.Context) (*Response, error) {
			return s.submit(u, mapKey, key, o)
		})
		if err != nil {
			return nil, err
		}
		// A header-only flight has no body to share. The blob it stored makes
		// the next round a hit.
		if o.Prefetch || !resp.headerOnly {
			break
		}
		s.logger.Debug("joined header-only fetch, fetching body", "url", mapKey, "key", key.ShortString())
	}
	if shared {
		s.logger.Debug("shared fetch", "url", mapKey, "key", key.ShortString())
	}
	if o.Prefetch && !resp.headerOnly {
		return resp.withoutBody(), nil
	}
	return resp.clone(), nil
}

// submit hands a new item to the worker and waits for it to settle.
func (s *Service) submit(u *url.URL, mapKey string, key mediacache.Key, o Options) (*Response, error) {
	class := ClassOf(o.Accept)

	ctx := telemetry.WithKindContext(s.rootCtx, class.String())
	var cancel context.CancelFunc
	if o.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	it := &item{
		id:        uuid.NewString(),
		url:       u,
		mapKey:    mapKey,
		key:       key,
		path:      s.blobRoot.Path(key.String()),
		options:   o,
		class:     class,
		ctx:       ctx,
		cancel:    cancel,
		reply:     make(chan itemResult, 1),
		submitted: s.now(),
		index:     -1,
	}

	if err := s.send(fetchRequest{item: it}); err != nil {
		cancel()
		return nil, err
	}

	res := <-it.reply
	return res.resp, res.err
}

// Check returns a copy of the entry for rawURL, or nil when none exists.
func (s *Service) Check(ctx context.Context, rawURL string) (*metadata.Entry, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	reply := make(chan *metadata.Entry, 1)
	if err := s.sendContext(ctx, checkRequest{mapKey: u.String(), reply: reply}); err != nil {
		return nil, err
	}
	select {
	case e := <-reply:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cleanup runs a cleanup pass. Concurrent callers share the pass in progress.
func (s *Service) Cleanup(ctx context.Context) (*CleanupResult, error) {
	res, _, err := s.cleanups.Do(ctx, "cleanup", func(context.Context) (*CleanupResult, error) {
		reply := make(chan cleanupReply, 1)
		if err := s.send(cleanupRequest{reply: reply}); err != nil {
			return nil, err
		}
		r := <-reply
		return r.result, r.err
	})
	return res, err
}

// Delete drops every entry stored under the logical name and removes the
// blob. It returns once the worker has accepted the request.
func (s *Service) Delete(name string) {
	if err := s.send(deleteRequest{name: name}); err != nil {
		s.logger.Debug("delete dropped", "name", name, "error", err)
	}
}

// Stats returns scheduler counters and per-class latency.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := s.sendContext(ctx, statsRequest{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case st := <-reply:
		st.Latency = s.latency.AllStats()
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Close aborts pending and running fetches, writes the checkpoint and
// releases the data directory. It is safe to call more than once; later
// calls return the first call's result.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		reply := make(chan error, 1)
		if err := s.send(closeRequest{reply: reply}); err != nil {
			s.closeErr = err
			return
		}
		select {
		case s.closeErr = <-reply:
		case <-ctx.Done():
			// The worker still finishes shutting down in the background.
			s.closeErr = ctx.Err()
		}
	})
	return s.closeErr
}

// send delivers req to the worker, failing only if the worker has exited.
func (s *Service) send(req request) error {
	select {
	case s.requests <- req:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Service) sendContext(ctx context.Context, req request) error {
	select {
	case s.requests <- req:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseURL validates rawURL as an absolute http or https URL.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}
