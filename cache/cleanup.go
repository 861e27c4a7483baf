package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/metadata"
	"github.com/wolfeidau/media-cache/telemetry"
)

// CleanupResult summarises one cleanup pass.
type CleanupResult struct {
	// Entries is the number of metadata entries checked.
	Entries int `json:"entries"`
	// Removed is the number of entries dropped for a missing, irregular or
	// expired blob.
	Removed int `json:"removed"`
	// Orphans is the number of blob files deleted that no entry referenced,
	// including temp files left by an earlier process.
	Orphans    int           `json:"orphans"`
	BytesFreed int64         `json:"bytesFreed"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

// cleanup verifies every entry against its blob, deletes unreferenced blobs
// and checkpoints. It runs on the worker goroutine.
func (w *worker) cleanup(ctx context.Context) (*CleanupResult, error) {
	start := time.Now()
	now := w.s.now()
	res := &CleanupResult{}

	// Blob names of dropped entries. Their files go in the orphan sweep
	// unless another entry still references them.
	released := make(map[string]struct{})

	w.s.meta.Range(func(id string, e metadata.Entry) bool {
		res.Entries++
		reason, err := w.verify(ctx, e, now)
		if err != nil {
			res.Errors++
			w.logger.Warn("cleanup: stat failed", "url", id, "blob", e.Name, "error", err)
			return true
		}
		if reason == "" {
			return true
		}
		w.s.meta.Delete(id)
		released[e.Name] = struct{}{}
		res.Removed++
		w.logger.Debug("cleanup: removed entry", "url", id, "blob", e.Name, "reason", reason)
		return true
	})

	referenced := w.s.meta.Names()
	names, err := w.s.blobRoot.Entries(ctx)
	if err != nil {
		res.Errors++
		w.logger.Warn("cleanup: listing blobs failed", "error", err)
	}
	for _, name := range names {
		if _, ok := referenced[name]; ok {
			continue
		}
		if _, ok := w.activeKeys[name]; ok {
			continue
		}
		var size int64
		if info, err := w.s.blobs.Stat(ctx, name); err == nil {
			size = info.Size
		}
		if err := w.s.blobs.Delete(ctx, name); err != nil {
			res.Errors++
			w.logger.Warn("cleanup: delete failed", "blob", name, "error", err)
			continue
		}
		res.BytesFreed += size
		if _, ok := released[name]; !ok {
			res.Orphans++
			w.logger.Debug("cleanup: removed orphan", "blob", name)
		}
	}

	// Temp files from writes that never committed. The lock rules out
	// another process, and anything newer may be a write in flight.
	temps, err := w.s.blobRoot.TempEntries(ctx, w.s.started)
	if err != nil {
		res.Errors++
		w.logger.Warn("cleanup: listing temp files failed", "error", err)
	}
	for _, name := range temps {
		var size int64
		if info, err := w.s.blobs.Stat(ctx, name); err == nil {
			size = info.Size
		}
		if err := w.s.blobs.Delete(ctx, name); err != nil {
			res.Errors++
			w.logger.Warn("cleanup: delete failed", "blob", name, "error", err)
			continue
		}
		res.BytesFreed += size
		res.Orphans++
		w.logger.Debug("cleanup: removed stale temp file", "file", name)
	}

	cerr := w.s.meta.Checkpoint(ctx)
	res.Duration = time.Since(start)

	telemetry.RecordCleanup(ctx, res.Removed, res.Orphans, res.BytesFreed, res.Duration)
	w.report()

	w.logger.Info("cleanup complete",
		"entries", res.Entries,
		"removed", res.Removed,
		"orphans", res.Orphans,
		"bytes_freed", res.BytesFreed,
		"errors", res.Errors,
		"duration", res.Duration,
	)

	if cerr != nil {
		return res, fmt.Errorf("cleanup checkpoint: %w", cerr)
	}
	return res, nil
}

// verify returns a non-empty reason when e must be dropped.
func (w *worker) verify(ctx context.Context, e metadata.Entry, now time.Time) (string, error) {
	if _, err := mediacache.ParseKey(e.Name); err != nil {
		return "invalid blob name", nil
	}
	info, err := w.s.blobs.Stat(ctx, e.Name)
	if errors.Is(err, backend.ErrNotFound) {
		return "blob missing", nil
	}
	if err != nil {
		return "", err
	}
	if !info.Regular {
		return "blob not a regular file", nil
	}
	if e.Age(now) > w.s.cfg.RetentionCeiling {
		return "expired", nil
	}
	return "", nil
}
