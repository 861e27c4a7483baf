package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tmpPrefix marks in-progress writes. Entries skips these files so that a
// cleanup scan never treats a half-written blob as an orphan.
const tmpPrefix = ".tmp-"

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Path returns the absolute filesystem path for a key.
func (fs *Filesystem) Path(key string) string {
	return fs.keyToPath(key)
}

// Write stores data at the given key using atomic write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := fs.Writer(ctx, key)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return fmt.Errorf("writing data: %w", err)
	}

	return w.Close()
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path := fs.keyToPath(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	path := fs.keyToPath(key)
	err := os.RemoveAll(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Stat returns size, modification time and file kind for a key.
func (fs *Filesystem) Stat(ctx context.Context, key string) (*Info, error) {
	path := fs.keyToPath(key)
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}
	return &Info{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Regular: info.Mode().IsRegular(),
	}, nil
}

// Entries returns the names of the direct children of the root, including
// directories, but excluding in-progress temp files.
func (fs *Filesystem) Entries(ctx context.Context) ([]string, error) {
	dirEntries, err := os.ReadDir(fs.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), tmpPrefix) {
			continue
		}
		names = append(names, de.Name())
	}
	return names, nil
}

// TempEntries returns the names of temp files in the root last modified
// before cutoff. They are left over from writes that never committed.
func (fs *Filesystem) TempEntries(ctx context.Context, cutoff time.Time) ([]string, error) {
	dirEntries, err := os.ReadDir(fs.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	var names []string
	for _, de := range dirEntries {
		if !strings.HasPrefix(de.Name(), tmpPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Committed or aborted since ReadDir.
			continue
		}
		if info.ModTime().Before(cutoff) {
			names = append(names, de.Name())
		}
	}
	return names, nil
}

// Writer returns a BlobWriter for writing to the given key.
// The write is atomic - data is written to a temp file and renamed on Close.
func (fs *Filesystem) Writer(ctx context.Context, key string) (BlobWriter, error) {
	path := fs.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &atomicWriter{
		f:       tmp,
		tmpPath: tmp.Name(),
		dstPath: path,
	}, nil
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// atomicWriter wraps a file for atomic writing.
type atomicWriter struct {
	f       *os.File
	tmpPath string
	dstPath string
	closed  bool
}

// Write implements io.Writer.
func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close commits the write by renaming the temp file.
func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	// A directory squatting on the destination would make rename fail.
	if info, err := os.Lstat(w.dstPath); err == nil && info.IsDir() {
		_ = os.RemoveAll(w.dstPath)
	}

	if err := os.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// Abort cancels the write and removes the temp file.
func (w *atomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

// Compile-time interface checks
var (
	_ Backend       = (*Filesystem)(nil)
	_ WriterBackend = (*Filesystem)(nil)
)
