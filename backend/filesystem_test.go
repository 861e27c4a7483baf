package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "cache")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	// Check directory was created
	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "test/data.txt"
	data := []byte("hello, world!")

	// Write
	err := fs.Write(ctx, key, bytes.NewReader(data))
	require.NoError(t, err)

	// Read
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	require.Equal(t, data, got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()

	_, err := fs.Read(ctx, "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemDelete(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "delete/test.txt"

	// Write
	err := fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	// Delete
	err = fs.Delete(ctx, key)
	require.NoError(t, err)

	// Verify deleted
	_, err = fs.Stat(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)

	// Delete nonexistent should not error (idempotent)
	err = fs.Delete(ctx, "nonexistent")
	require.NoError(t, err)
}

func TestFilesystemStat(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	data := []byte("test data for stat check")

	err := fs.Write(ctx, key, bytes.NewReader(data))
	require.NoError(t, err)

	info, err := fs.Stat(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), info.Size)
	require.True(t, info.Regular)
	require.False(t, info.ModTime.IsZero())
}

func TestFilesystemStatNotFound(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	_, err := fs.Stat(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemStatDirectory(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	require.NoError(t, os.Mkdir(filepath.Join(fs.Root(), "squatter"), 0o755))

	info, err := fs.Stat(context.Background(), "squatter")
	require.NoError(t, err)
	require.False(t, info.Regular)
}

func TestFilesystemEntries(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "a", bytes.NewReader([]byte("a"))))
	require.NoError(t, fs.Write(ctx, "b", bytes.NewReader([]byte("b"))))
	require.NoError(t, os.Mkdir(filepath.Join(fs.Root(), "dir"), 0o755))

	// An in-flight write must not be reported.
	w, err := fs.Writer(ctx, "c")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	names, err := fs.Entries(ctx)
	require.NoError(t, err)
	sort.Strings(names)
	require.Equal(t, []string{"a", "b", "dir"}, names)

	require.NoError(t, w.Abort())
}

func TestFilesystemWriter(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "writer/test.txt"
	data := []byte("written via Writer interface")

	// Get writer
	w, err := fs.Writer(ctx, key)
	require.NoError(t, err)

	// Write data
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Close to commit
	err = w.Close()
	require.NoError(t, err)

	// Verify
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, data, got)
}

func TestFilesystemAtomicWrite(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "atomic/test.txt"
	originalData := []byte("original content")

	// Write initial data
	err := fs.Write(ctx, key, bytes.NewReader(originalData))
	require.NoError(t, err)

	// Simulate failed write by using Writer and aborting
	w, err := fs.Writer(ctx, key)
	require.NoError(t, err)
	_, _ = w.Write([]byte("partial"))

	require.NoError(t, w.Abort())
	// Close after Abort is a no-op
	require.NoError(t, w.Close())

	// Original data should still be there
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, originalData, got)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "overwrite/test.txt"

	// Write initial
	err := fs.Write(ctx, key, bytes.NewReader([]byte("initial")))
	require.NoError(t, err)

	// Overwrite
	newData := []byte("new content that is longer")
	err = fs.Write(ctx, key, bytes.NewReader(newData))
	require.NoError(t, err)

	// Verify overwrite
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, newData, got)
}

func TestFilesystemAbortRemovesTempFile(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	w, err := fs.Writer(ctx, "aborted")
	require.NoError(t, err)
	_, err = w.Write([]byte("discard me"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	dirEntries, err := os.ReadDir(fs.Root())
	require.NoError(t, err)
	require.Empty(t, dirEntries)

	_, err = fs.Stat(ctx, "aborted")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemWriteReplacesDirectory(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, os.Mkdir(filepath.Join(fs.Root(), "blob"), 0o755))

	require.NoError(t, fs.Write(ctx, "blob", bytes.NewReader([]byte("file now"))))

	info, err := fs.Stat(ctx, "blob")
	require.NoError(t, err)
	require.True(t, info.Regular)
}

func TestFilesystemTempEntries(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "kept", bytes.NewReader([]byte("x"))))

	stale := filepath.Join(fs.Root(), ".tmp-stale")
	require.NoError(t, os.WriteFile(stale, []byte("y"), 0o644))
	old := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	w, err := fs.Writer(ctx, "inflight")
	require.NoError(t, err)
	defer func() { _ = w.Abort() }()

	names, err := fs.TempEntries(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{".tmp-stale"}, names)

	require.NoError(t, fs.Delete(ctx, names[0]))
	require.NoFileExists(t, stale)
}

// Helper functions

func newTestFilesystem(t *testing.T) (*Filesystem, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	fs, err := NewFilesystem(tmpDir)
	require.NoError(t, err)
	return fs, func() {}
}
