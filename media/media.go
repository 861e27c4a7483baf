// Package media binds podcast artwork and episode audio to the fetch cache.
// It fixes the logical cache names and per-kind options, and turns entity
// removal events into cache deletions.
package media

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/media-cache/cache"
)

const (
	// ArtworkMaxAge is how long podcast artwork is served before refetching.
	ArtworkMaxAge = 24 * time.Hour

	// AudioMaxAge is how long episode audio is served before refetching.
	AudioMaxAge = 30 * 24 * time.Hour

	// DefaultAudioType is assumed when an episode has no enclosure type.
	DefaultAudioType = "audio/mpeg"
)

// ArtworkAccept is the preference list sent when fetching artwork.
var ArtworkAccept = []string{
	"image/avif",
	"image/webp;q=0.9",
	"image/png;q=0.8",
	"image/jpeg;q=0.7",
	"image/jpg;q=0.7",
}

// ErrNoSource is returned when an entity has no remote URL to fetch.
var ErrNoSource = errors.New("no source url")

// Podcast is the subset of a subscribed podcast the cache needs.
type Podcast struct {
	ID         string
	ArtworkURL string
}

// Episode is the subset of a podcast episode the cache needs.
type Episode struct {
	ID       string
	URL      string
	MimeType string
}

// ArtworkName is the cache name for a podcast's artwork.
func ArtworkName(podcastID string) string {
	return "artwork:" + podcastID
}

// AudioName is the cache name for an episode's audio.
func AudioName(episodeID string) string {
	return "audio:" + episodeID
}

// ArtworkOptions returns fetch options for a podcast's artwork.
func ArtworkOptions(podcastID string, prefetch bool) []cache.Option {
	return []cache.Option{
		cache.WithName(ArtworkName(podcastID)),
		cache.WithMaxAge(ArtworkMaxAge),
		cache.WithAccept(ArtworkAccept...),
		cache.WithPrefetch(prefetch),
	}
}

// AudioOptions returns fetch options for an episode's audio. Audio is stored
// uncompressed so it can be served with range requests straight from disk.
func AudioOptions(episodeID, mimeType string, prefetch bool) []cache.Option {
	if mimeType == "" {
		mimeType = DefaultAudioType
	}
	return []cache.Option{
		cache.WithName(AudioName(episodeID)),
		cache.WithMaxAge(AudioMaxAge),
		cache.WithAccept(mimeType),
		cache.WithCompress(false),
		cache.WithPrefetch(prefetch),
	}
}

// Cache is the part of *cache.Service used by this package.
type Cache interface {
	Fetch(ctx context.Context, rawURL string, opts ...cache.Option) (*cache.Response, error)
	Delete(name string)
}

// Library fetches artwork and audio through the cache.
type Library struct {
	cache Cache
}

// NewLibrary returns a Library backed by c.
func NewLibrary(c Cache) *Library {
	return &Library{cache: c}
}

// FetchArtwork fetches a podcast's artwork.
func (l *Library) FetchArtwork(ctx context.Context, p Podcast, prefetch bool) (*cache.Response, error) {
	if p.ArtworkURL == "" {
		return nil, ErrNoSource
	}
	return l.cache.Fetch(ctx, p.ArtworkURL, ArtworkOptions(p.ID, prefetch)...)
}

// FetchAudio fetches an episode's audio.
func (l *Library) FetchAudio(ctx context.Context, e Episode, prefetch bool) (*cache.Response, error) {
	if e.URL == "" {
		return nil, ErrNoSource
	}
	return l.cache.Fetch(ctx, e.URL, AudioOptions(e.ID, e.MimeType, prefetch)...)
}
