package media

import (
	"context"
	"log/slog"
)

// EventKind identifies an entity store change.
type EventKind int

const (
	PodcastRemoved EventKind = iota + 1
	EpisodeRemoved
)

func (k EventKind) String() string {
	switch k {
	case PodcastRemoved:
		return "podcast:remove"
	case EpisodeRemoved:
		return "episode:remove"
	default:
		return "unknown"
	}
}

// Event is published by the entity store when a podcast or episode goes away.
type Event struct {
	Kind EventKind
	ID   string
}

// Deleter evicts a cache entry by logical name.
type Deleter interface {
	Delete(name string)
}

// Events turns removal events into cache deletions.
type Events struct {
	cache  Deleter
	logger *slog.Logger
}

// NewEvents returns an Events handler. A nil logger uses slog.Default.
func NewEvents(c Deleter, logger *slog.Logger) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{cache: c, logger: logger.With("component", "media-events")}
}

// Handle applies one event.
func (e *Events) Handle(ev Event) {
	var name string
	switch ev.Kind {
	case PodcastRemoved:
		name = ArtworkName(ev.ID)
	case EpisodeRemoved:
		name = AudioName(ev.ID)
	default:
		e.logger.Debug("ignoring event", "kind", ev.Kind.String(), "id", ev.ID)
		return
	}
	e.logger.Debug("evicting", "kind", ev.Kind.String(), "name", name)
	e.cache.Delete(name)
}

// Listen applies events from ch until ch is closed or ctx is done.
func (e *Events) Listen(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.Handle(ev)
		}
	}
}
