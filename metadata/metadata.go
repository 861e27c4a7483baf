// Package metadata holds the in-memory index of cached resources and its
// JSON checkpoint.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/wolfeidau/media-cache/backend"
)

// CheckpointKey is the backend key of the checkpoint document.
const CheckpointKey = "cache.json"

// ErrCorrupt is returned by Load when the checkpoint cannot be decoded.
var ErrCorrupt = errors.New("corrupt checkpoint")

// Entry describes one cached resource.
type Entry struct {
	// Name is the blob file name, the hex key derived from the logical name
	// or URL the entry was fetched under.
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Compressed  bool      `json:"compressed"`
	Created     time.Time `json:"created"`
}

// Age returns how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Created)
}

// Store is the metadata map keyed by request URL.
//
// Store is not safe for concurrent use. The cache worker goroutine owns it,
// and every mutation is in-memory until Checkpoint is called.
type Store struct {
	backend backend.Backend
	entries map[string]Entry
}

// NewStore creates an empty store that checkpoints through b.
func NewStore(b backend.Backend) *Store {
	return &Store{
		backend: b,
		entries: make(map[string]Entry),
	}
}

// Load replaces the in-memory map with the checkpoint contents. A missing or
// empty checkpoint yields an empty map. On ErrCorrupt the map is left empty.
func (s *Store) Load(ctx context.Context) error {
	s.entries = make(map[string]Entry)

	rc, err := s.backend.Read(ctx, CheckpointKey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	entries := make(map[string]Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	s.entries = entries
	return nil
}

// Get returns the entry for id.
func (s *Store) Get(id string) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Put inserts or replaces the entry for id.
func (s *Store) Put(id string, e Entry) {
	s.entries[id] = e
}

// Delete removes the entry for id. It reports whether an entry was present.
func (s *Store) Delete(id string) bool {
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// Range calls fn for every entry in id order until fn returns false.
// fn may delete the entry it is called with.
func (s *Store) Range(fn func(id string, e Entry) bool) {
	for _, id := range s.ids() {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		if !fn(id, e) {
			return
		}
	}
}

// Names returns the set of blob names referenced by any entry.
func (s *Store) Names() map[string]struct{} {
	names := make(map[string]struct{}, len(s.entries))
	for _, e := range s.entries {
		names[e.Name] = struct{}{}
	}
	return names
}

// Checkpoint writes the full map atomically as indented JSON.
func (s *Store) Checkpoint(ctx context.Context) error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := s.backend.Write(ctx, CheckpointKey, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

func (s *Store) ids() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
