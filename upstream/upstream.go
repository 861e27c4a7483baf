// Package upstream fetches remote resources on behalf of the cache.
package upstream

import (
	"context"
	"crypto/sha1" //nolint:gosec // required by the PodcastIndex API signature
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wolfeidau/media-cache/telemetry"
)

const (
	// DefaultTimeout bounds connection setup and the wait for response
	// headers. Bodies are bounded by the caller's context only, since audio
	// downloads can legitimately take minutes.
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent is sent when no other user agent is configured.
	DefaultUserAgent = "media-cache/1.0"

	// PodcastIndexHost is the API host whose requests are signed.
	PodcastIndexHost = "api.podcastindex.org"

	// maxErrorBody caps how much of an error response is kept for messages.
	maxErrorBody = 512
)

var (
	// ErrUpstream matches every *StatusError via errors.Is.
	ErrUpstream = errors.New("upstream error")

	// ErrEmptyBody is returned when an upstream answers 2xx without content.
	ErrEmptyBody = errors.New("upstream returned no body")
)

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %s for %s", e.Status, e.URL)
}

// Is reports whether target is ErrUpstream.
func (e *StatusError) Is(target error) bool {
	return target == ErrUpstream
}

// PodcastIndex holds the API credentials used to sign requests.
type PodcastIndex struct {
	Key       string
	Secret    string
	UserAgent string
}

// Client performs upstream GET requests.
type Client struct {
	client       *http.Client
	limiter      *rate.Limiter
	userAgent    string
	podcastIndex *PodcastIndex
	now          func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. The client's transport is used
// as is, without metrics instrumentation.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithRateLimit caps outbound requests to rps per second with the given
// burst. Zero rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithPodcastIndex enables request signing for the PodcastIndex API.
func WithPodcastIndex(creds PodcastIndex) Option {
	return func(c *Client) {
		if creds.Key == "" || creds.Secret == "" {
			c.podcastIndex = nil
			return
		}
		c.podcastIndex = &creds
	}
}

// New creates a new upstream client.
func New(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(defaultTransport(), "upstream"),
		},
		userAgent: DefaultUserAgent,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: DefaultTimeout, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = DefaultTimeout
	// Compression is handled by the cache itself; ask for identity so that
	// Content-Length reflects what is stored.
	t.DisableCompression = true
	return t
}

// Fetch issues a GET for rawURL with the given Accept list. On success the
// caller owns the response body. Non-2xx responses are returned as
// *StatusError and 204 as ErrEmptyBody, with the body already closed.
func (c *Client) Fetch(ctx context.Context, rawURL string, accept []string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if len(accept) > 0 {
		req.Header.Set("Accept", strings.Join(accept, ", "))
	}
	req.Header.Set("User-Agent", c.userAgent)
	c.sign(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &StatusError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	if resp.StatusCode == http.StatusNoContent || resp.ContentLength == 0 {
		_ = resp.Body.Close()
		return nil, ErrEmptyBody
	}

	return resp, nil
}

// sign adds PodcastIndex authentication headers to API requests.
func (c *Client) sign(req *http.Request) {
	if c.podcastIndex == nil || !IsPodcastIndexAPI(req) {
		return
	}
	date := strconv.FormatInt(c.now().Unix(), 10)
	if c.podcastIndex.UserAgent != "" {
		req.Header.Set("User-Agent", c.podcastIndex.UserAgent)
	}
	req.Header.Set("X-Auth-Key", c.podcastIndex.Key)
	req.Header.Set("X-Auth-Date", date)
	req.Header.Set("Authorization", Signature(c.podcastIndex.Key, c.podcastIndex.Secret, date))
}

// IsPodcastIndexAPI reports whether req targets the PodcastIndex API.
func IsPodcastIndexAPI(req *http.Request) bool {
	return strings.EqualFold(req.URL.Hostname(), PodcastIndexHost) &&
		strings.HasPrefix(req.URL.Path, "/api")
}

// Signature returns the PodcastIndex Authorization value for a request made
// at date (unix seconds).
func Signature(key, secret, date string) string {
	sum := sha1.Sum([]byte(key + secret + date)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
