package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (*Info, error) {
	start := time.Now()
	info, err := ib.backend.Stat(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "stat", outcomeFromError(err), time.Since(start), 0)
	return info, err
}

// Writer delegates to the underlying backend if it implements WriterBackend.
// Bytes are recorded when the returned writer is committed.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (BlobWriter, error) {
	wb, ok := ib.backend.(WriterBackend)
	if !ok {
		return nil, fmt.Errorf("backend does not support Writer")
	}
	start := time.Now()
	w, err := wb.Writer(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "writer", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingWriter{BlobWriter: w, ctx: ctx, ib: ib, start: start}, nil
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// countingWriter records a "writer" op once the write is committed or aborted.
type countingWriter struct {
	BlobWriter
	ctx      context.Context
	ib       *InstrumentedBackend
	start    time.Time
	n        int64
	recorded bool
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.BlobWriter.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Close() error {
	err := cw.BlobWriter.Close()
	cw.record(outcomeFromError(err), cw.n)
	return err
}

func (cw *countingWriter) Abort() error {
	err := cw.BlobWriter.Abort()
	cw.record("aborted", 0)
	return err
}

func (cw *countingWriter) record(outcome string, n int64) {
	if cw.recorded {
		return
	}
	cw.recorded = true
	telemetry.RecordBackendOp(cw.ctx, cw.ib.name, "writer", outcome, time.Since(cw.start), n)
}

// Compile-time interface checks
var (
	_ Backend       = (*InstrumentedBackend)(nil)
	_ WriterBackend = (*InstrumentedBackend)(nil)
)
