// Package credentials renders a secrets template into the credentials the
// media cache needs: the inbound bearer token and the PodcastIndex API key.
//
// The template is Go text/template producing JSON. Built-in functions are
// env, envDefault, file and json; secret providers such as 1Password are
// registered as extra functions with WithProvider.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/wolfeidau/media-cache/upstream"
)

const (
	// maxTemplateSize bounds both the template and its rendered output (1MB).
	maxTemplateSize = 1 << 20
)

// ErrIncomplete is returned by Validate for partially configured sections.
var ErrIncomplete = errors.New("incomplete credentials")

// Credentials holds all resolved credential values.
type Credentials struct {
	// AuthToken is the bearer token required on inbound HTTP requests.
	// Empty disables authentication.
	AuthToken string `json:"auth_token,omitempty"`

	// PodcastIndex signs requests to the PodcastIndex API.
	PodcastIndex *PodcastIndexCredentials `json:"podcastindex,omitempty"`
}

// PodcastIndexCredentials is an API key pair from api.podcastindex.org.
type PodcastIndexCredentials struct {
	Key       string `json:"key"`
	Secret    string `json:"secret"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Validate reports sections that are present but unusable.
func (c *Credentials) Validate() error {
	if pi := c.PodcastIndex; pi != nil && (pi.Key == "" || pi.Secret == "") {
		return fmt.Errorf("%w: podcastindex needs both key and secret", ErrIncomplete)
	}
	return nil
}

// UpstreamOptions returns upstream client options for the resolved
// credentials.
func (c *Credentials) UpstreamOptions() []upstream.Option {
	if c.PodcastIndex == nil {
		return nil
	}
	return []upstream.Option{upstream.WithPodcastIndex(upstream.PodcastIndex{
		Key:       c.PodcastIndex.Key,
		Secret:    c.PodcastIndex.Secret,
		UserAgent: c.PodcastIndex.UserAgent,
	})}
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a secret provider as the template function name.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxTemplateSize)
	}

	var creds Credentials
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	r.logger.Debug("credentials resolved",
		"auth", creds.AuthToken != "",
		"podcastindex", creds.PodcastIndex != nil,
	)
	return &creds, nil
}

// funcs returns the template functions for one render. Provider lookups are
// memoized for the duration of the render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	seen := make(map[string]string)
	for name, p := range r.providers {
		fm[name] = func(ref string) (string, error) {
			k := name + ":" + ref
			if v, ok := seen[k]; ok {
				return v, nil
			}
			v, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			seen[k] = v
			return v, nil
		}
	}
	return fm
}
