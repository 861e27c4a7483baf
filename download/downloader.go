// Package download provides singleflight-based deduplication for concurrent
// cache fetches. When multiple callers ask for the same uncached resource,
// only one fetch is queued and every caller receives its outcome.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// DownloadFunc performs the shared work for a key.
// The context passed to DownloadFunc is detached from any single caller so
// that one caller giving up does not cancel the work for other waiters.
type DownloadFunc[T any] func(ctx context.Context) (T, error)

// Downloader deduplicates concurrent work for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight work for others. The key is
// released when the work settles, so a later call starts afresh.
type Downloader[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

type config struct {
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*config)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// New creates a new Downloader.
func New[T any](opts ...Option) *Downloader[T] {
	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Downloader[T]{logger: cfg.logger}
}

// Do deduplicates concurrent calls for the same key.
// The fn receives a context that keeps the caller's values but not its
// cancellation. Returns the result, whether it was shared with another
// caller, and any error.
//
// If the caller's context expires before the work completes, Do returns the
// context error but the in-flight work continues for other waiters.
func (d *Downloader[T]) Do(ctx context.Context, key string, fn DownloadFunc[T]) (T, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("joined in-flight fetch", "key", key)
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}
