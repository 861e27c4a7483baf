package cache

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// compressWriter wraps w so that everything written is gzip-compressed.
// The returned closer flushes the gzip stream but does not close w.
func compressWriter(w io.Writer) (io.Writer, func() error) {
	gz := gzip.NewWriter(w)
	return gz, gz.Close
}

// decompressReader returns a reader over the decoded content of r.
func decompressReader(r io.Reader) (io.ReadCloser, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	return gz, nil
}

// readBlob reads r fully, decoding it first when compressed is set.
func readBlob(r io.Reader, compressed bool) ([]byte, error) {
	if !compressed {
		return io.ReadAll(r)
	}
	gz, err := decompressReader(r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = gz.Close() }()
	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompressing blob: %w", err)
	}
	return data, nil
}
