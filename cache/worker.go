package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/metadata"
	"github.com/wolfeidau/media-cache/telemetry"
)

// request is a message from the facade to the worker.
type request interface {
	isRequest()
}

type fetchRequest struct {
	item *item
}

type checkRequest struct {
	mapKey string
	reply  chan *metadata.Entry
}

type cleanupRequest struct {
	reply chan cleanupReply
}

type cleanupReply struct {
	result *CleanupResult
	err    error
}

type deleteRequest struct {
	name string
}

type statsRequest struct {
	reply chan Stats
}

type closeRequest struct {
	reply chan error
}

func (fetchRequest) isRequest()   {}
func (checkRequest) isRequest()   {}
func (cleanupRequest) isRequest() {}
func (deleteRequest) isRequest()  {}
func (statsRequest) isRequest()   {}
func (closeRequest) isRequest()   {}

// outcome is what a slot goroutine reports back for a running item.
type outcome struct {
	item *item
	resp *Response
	err  error

	// evict drops the item's metadata entry. It is applied before upsert.
	evict  bool
	upsert *metadata.Entry
}

// worker owns the metadata store, the pending queue and the active set.
// Nothing here is touched from any other goroutine.
type worker struct {
	s      *Service
	logger *slog.Logger

	queue      itemQueue
	active     map[string]*item
	activeKeys map[string]int // blob name -> running items writing it
	seq        uint64
}

func newWorker(s *Service) *worker {
	return &worker{
		s:          s,
		logger:     s.logger,
		active:     make(map[string]*item),
		activeKeys: make(map[string]int),
	}
}

func (w *worker) run() {
	defer close(w.s.done)

	for {
		select {
		case req := <-w.s.requests:
			if r, ok := req.(closeRequest); ok {
				r.reply <- w.shutdown()
				return
			}
			w.handle(req)
		case out := <-w.s.results:
			w.complete(out)
		case it := <-w.s.expired:
			if w.queue.remove(it) {
				w.finish(it, nil, it.ctx.Err())
			}
		}
		w.dispatch()
	}
}

func (w *worker) handle(req request) {
	switch r := req.(type) {
	case fetchRequest:
		w.enqueue(r.item)
	case checkRequest:
		if e, ok := w.s.meta.Get(r.mapKey); ok {
			r.reply <- &e
		} else {
			r.reply <- nil
		}
	case statsRequest:
		r.reply <- Stats{
			Queued:      w.queue.Len(),
			Active:      len(w.active),
			Entries:     w.s.meta.Len(),
			Concurrency: w.s.cfg.Concurrency,
		}
	case deleteRequest:
		w.delete(r.name)
	case cleanupRequest:
		res, err := w.cleanup(w.s.rootCtx)
		r.reply <- cleanupReply{result: res, err: err}
	}
}

func (w *worker) enqueue(it *item) {
	w.seq++
	it.seq = w.seq
	w.queue.push(it)

	s := w.s
	it.unwatch = context.AfterFunc(it.ctx, func() {
		select {
		case s.expired <- it:
		case <-s.done:
		}
	})

	w.logger.Debug("fetch queued",
		"id", it.id,
		"url", it.mapKey,
		"key", it.key.ShortString(),
		"class", it.class.String(),
		"queued", w.queue.Len(),
	)
}

// dispatch starts pending items while slots are free. Hits take a slot too.
func (w *worker) dispatch() {
	for len(w.active) < w.s.cfg.Concurrency && w.queue.Len() > 0 {
		it := w.queue.pop()
		it.unwatch()

		if err := it.ctx.Err(); err != nil {
			w.finish(it, nil, err)
			continue
		}

		entry := w.lookup(it)
		it.started = w.s.now()
		w.active[it.id] = it
		w.activeKeys[it.key.String()]++

		go w.s.execute(it, entry)
	}
	w.report()
}

// lookup returns a copy of a fresh entry for it, or nil on a miss. Stale
// entries and entries recorded under a different blob name are dropped.
func (w *worker) lookup(it *item) *metadata.Entry {
	e, ok := w.s.meta.Get(it.mapKey)
	if !ok {
		return nil
	}
	if e.Name != it.key.String() {
		w.s.meta.Delete(it.mapKey)
		w.logger.Debug("discarding entry with mismatched blob name",
			"url", it.mapKey,
			"want", it.key.String(),
			"got", e.Name,
		)
		return nil
	}
	maxAge := min(it.options.MaxAge, w.s.cfg.AbsoluteCeiling)
	if e.Age(w.s.now()) > maxAge {
		w.s.meta.Delete(it.mapKey)
		return nil
	}
	return &e
}

func (w *worker) complete(out outcome) {
	it := out.item
	w.release(it)

	if out.evict {
		w.s.meta.Delete(it.mapKey)
	}
	if out.upsert != nil {
		w.s.meta.Put(it.mapKey, *out.upsert)
	}
	if out.err != nil {
		w.discardBlob(it.key.String())
	}
	w.finish(it, out.resp, out.err)
}

// discardBlob removes the blob left by a failed fetch, typically the body of
// a stale entry, unless a running item or another entry still uses it.
func (w *worker) discardBlob(name string) {
	if _, ok := w.activeKeys[name]; ok {
		return
	}
	if _, ok := w.s.meta.Names()[name]; ok {
		return
	}
	if err := w.s.blobs.Delete(w.s.rootCtx, name); err != nil {
		w.logger.Warn("failed to delete blob", "blob", name, "error", err)
	}
}

func (w *worker) release(it *item) {
	delete(w.active, it.id)
	name := it.key.String()
	if w.activeKeys[name] <= 1 {
		delete(w.activeKeys, name)
	} else {
		w.activeKeys[name]--
	}
}

// finish settles it and records the result.
func (w *worker) finish(it *item, resp *Response, err error) {
	elapsed := w.s.now().Sub(it.submitted)
	result := "error"
	switch {
	case err == nil && resp.Hit():
		result = "hit"
	case err == nil:
		result = "miss"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrClosed):
		result = "aborted"
	}

	it.settle(resp, err)

	telemetry.RecordFetch(w.s.rootCtx, it.class.String(), result, elapsed)
	w.s.latency.Record(it.class.String(), elapsed)

	if err != nil {
		w.logger.Warn("fetch failed",
			"id", it.id,
			"url", it.mapKey,
			"class", it.class.String(),
			"result", result,
			"error", err,
		)
		return
	}
	w.logger.Debug("fetch settled",
		"id", it.id,
		"url", it.mapKey,
		"class", it.class.String(),
		"result", result,
		"waited", it.started.Sub(it.submitted),
		"duration", elapsed,
	)
}

func (w *worker) report() {
	telemetry.UpdateSchedulerState(w.s.rootCtx, w.queue.Len(), len(w.active), w.s.meta.Len())
}

// delete removes every entry stored under the logical name and its blob.
func (w *worker) delete(name string) {
	blob := mediacache.KeyFor(name).String()

	removed := 0
	w.s.meta.Range(func(id string, e metadata.Entry) bool {
		if e.Name == blob {
			w.s.meta.Delete(id)
			removed++
		}
		return true
	})

	if err := w.s.blobs.Delete(w.s.rootCtx, blob); err != nil {
		w.logger.Warn("failed to delete blob", "name", name, "blob", blob, "error", err)
	}

	if removed == 0 {
		w.logger.Debug("delete: no entry", "name", name)
		return
	}
	w.logger.Info("deleted cache entry", "name", name, "entries", removed)
	w.report()
}

// shutdown aborts every pending and running item, then persists metadata.
func (w *worker) shutdown() error {
	start := time.Now()
	w.s.rootCancel()

	pending := w.queue.drain()
	for _, it := range pending {
		w.finish(it, nil, ErrClosed)
	}

	running := len(w.active)
	for len(w.active) > 0 {
		out := <-w.s.results
		w.release(out.item)
		if out.evict {
			w.s.meta.Delete(out.item.mapKey)
		}
		if out.err == nil && out.upsert != nil {
			w.s.meta.Put(out.item.mapKey, *out.upsert)
		}
		w.finish(out.item, nil, ErrClosed)
	}

	ctx := context.WithoutCancel(w.s.rootCtx)
	var err error
	if w.s.cfg.CleanupOnClose {
		_, err = w.cleanup(ctx)
	} else {
		err = w.s.meta.Checkpoint(ctx)
	}
	w.report()

	if uerr := w.s.lock.Unlock(); uerr != nil && err == nil {
		err = fmt.Errorf("unlocking data directory: %w", uerr)
	}

	w.logger.Info("cache closed",
		"aborted_pending", len(pending),
		"aborted_running", running,
		"entries", w.s.meta.Len(),
		"duration", time.Since(start),
	)
	return err
}
