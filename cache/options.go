package cache

import (
	"fmt"
	"mime"
	"strings"
	"time"
)

// Defaults applied by DefaultOptions.
const (
	DefaultMaxAge = time.Hour
	DefaultAccept = "application/json"
)

// Options control how a single resource is fetched and stored.
type Options struct {
	// Name is the logical cache name. When empty the request URL is used.
	// Two URLs fetched under the same name share one blob.
	Name string

	// MaxAge is how long a stored entry is served before it is refetched.
	// It is always capped by Config.AbsoluteCeiling.
	MaxAge time.Duration

	// Accept lists acceptable media types in preference order. The first
	// entry also decides the scheduling class.
	Accept []string

	// Compress stores the blob gzip-compressed.
	Compress bool

	// Prefetch only warms the cache: the response carries headers and the
	// blob path but no body.
	Prefetch bool

	// Timeout bounds the fetch from submission to settlement. Zero means no
	// limit beyond the service lifetime.
	Timeout time.Duration
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the options used when no Option is given.
func DefaultOptions() Options {
	return Options{
		MaxAge:   DefaultMaxAge,
		Accept:   []string{DefaultAccept},
		Compress: true,
	}
}

// WithName sets the logical cache name.
func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithMaxAge sets the freshness lifetime.
func WithMaxAge(d time.Duration) Option {
	return func(o *Options) { o.MaxAge = d }
}

// WithAccept replaces the Accept list.
func WithAccept(types ...string) Option {
	return func(o *Options) { o.Accept = append([]string(nil), types...) }
}

// WithCompress enables or disables gzip storage.
func WithCompress(compress bool) Option {
	return func(o *Options) { o.Compress = compress }
}

// WithPrefetch enables header-only responses.
func WithPrefetch(prefetch bool) Option {
	return func(o *Options) { o.Prefetch = prefetch }
}

// WithTimeout bounds the whole fetch.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

func resolveOptions(opts ...Option) (Options, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

func (o Options) validate() error {
	if o.MaxAge < 0 {
		return fmt.Errorf("%w: negative max age %s", ErrInvalidOptions, o.MaxAge)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidOptions, o.Timeout)
	}
	if len(o.Accept) == 0 {
		return fmt.Errorf("%w: empty accept list", ErrInvalidOptions)
	}
	for _, a := range o.Accept {
		if mediaType(a) == "" {
			return fmt.Errorf("%w: invalid accept entry %q", ErrInvalidOptions, a)
		}
	}
	return nil
}

// Class is the scheduling rank of a fetch. Lower classes are dequeued first.
type Class int

const (
	ClassJSON Class = iota + 1
	ClassImage
	ClassOther
	ClassAudio
)

func (c Class) String() string {
	switch c {
	case ClassJSON:
		return "json"
	case ClassImage:
		return "image"
	case ClassAudio:
		return "audio"
	default:
		return "other"
	}
}

// ClassOf returns the class for an Accept list, decided by its first entry.
func ClassOf(accept []string) Class {
	if len(accept) == 0 {
		return ClassOther
	}
	mt := mediaType(accept[0])
	switch {
	case mt == "application/json":
		return ClassJSON
	case strings.HasPrefix(mt, "image/"):
		return ClassImage
	case strings.HasPrefix(mt, "audio/"):
		return ClassAudio
	default:
		return ClassOther
	}
}

// mediaType returns the lower-cased media type of v without parameters.
func mediaType(v string) string {
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
