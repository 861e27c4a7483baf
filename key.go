// Package mediacache holds the identifiers shared by the media cache packages.
package mediacache

import (
	"crypto/sha1" //nolint:gosec // namespacing only, not a security boundary
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// KeySize is the size of a cache key in bytes (SHA-1, 160 bits).
const KeySize = sha1.Size

// Key names a cache entry. Its hex form is the blob file name on disk and the
// "name" recorded in the metadata checkpoint.
type Key [KeySize]byte

// KeyFor derives the key for a logical cache name or a request URL.
func KeyFor(input string) Key {
	return Key(sha1.Sum([]byte(input))) //nolint:gosec
}

// String returns the hex-encoded key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for logs.
func (k Key) ShortString() string {
	return hex.EncodeToString(k[:6])
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) != KeySize*2 {
		return fmt.Errorf("invalid key length: expected %d hex chars, got %d", KeySize*2, len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// ParseKey parses a hex-encoded key, such as a blob file name.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Digest returns the hex BLAKE3 digest of data. It is used for validators
// (ETags) on served content, not for naming blobs.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
