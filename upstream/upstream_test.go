package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetch_SendsAcceptAndUserAgent(t *testing.T) {
	var gotAccept, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	c := New(WithUserAgent("test-agent"))
	resp, err := c.Fetch(context.Background(), srv.URL+"/a.png", []string{"image/avif", "image/png;q=0.8"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "png", string(body))
	require.Equal(t, "image/avif, image/png;q=0.8", gotAccept)
	require.Equal(t, "test-agent", gotUA)
}

func TestFetch_StatusError(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "not found", status: http.StatusNotFound},
		{name: "server error", status: http.StatusBadGateway},
		{name: "not modified", status: http.StatusNotModified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New().Fetch(context.Background(), srv.URL, nil)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrUpstream)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			require.Equal(t, tt.status, se.StatusCode)
			require.Contains(t, se.Error(), srv.URL)
		})
	}
}

func TestFetch_EmptyBody(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "no content",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			},
		},
		{
			name: "zero content length",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "0")
				w.WriteHeader(http.StatusOK)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := New().Fetch(context.Background(), srv.URL, nil)
			require.ErrorIs(t, err, ErrEmptyBody)
		})
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New().Fetch(ctx, srv.URL, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetch_RateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	// One token, refilled every 10s: the second call must wait and time out.
	c := New(WithRateLimit(0.1, 1))

	resp, err := c.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Fetch(ctx, srv.URL, nil)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestSignature(t *testing.T) {
	got := Signature("key", "secret", "1700000000")
	require.Equal(t, "abaf71c02050c31e4d4e6b08c1625173af0445ba", got)
	require.Equal(t, got, Signature("key", "secret", "1700000000"))
	require.NotEqual(t, got, Signature("key", "secret", "1700000001"))
}

func TestSign_PodcastIndexOnly(t *testing.T) {
	c := New(WithPodcastIndex(PodcastIndex{Key: "k", Secret: "s", UserAgent: "pi-agent"}))
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	tests := []struct {
		name   string
		url    string
		signed bool
	}{
		{name: "api path", url: "https://api.podcastindex.org/api/1.0/search/byterm?q=go", signed: true},
		{name: "other path", url: "https://api.podcastindex.org/static/logo.png", signed: false},
		{name: "other host", url: "https://example.com/api/1.0", signed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			req := &http.Request{URL: u, Header: http.Header{}}
			c.sign(req)

			if !tt.signed {
				require.Empty(t, req.Header.Get("Authorization"))
				return
			}
			require.Equal(t, "k", req.Header.Get("X-Auth-Key"))
			require.Equal(t, "1700000000", req.Header.Get("X-Auth-Date"))
			require.Equal(t, "pi-agent", req.Header.Get("User-Agent"))
			require.Equal(t, Signature("k", "s", "1700000000"), req.Header.Get("Authorization"))
		})
	}
}

func TestWithPodcastIndex_RequiresCredentials(t *testing.T) {
	c := New(WithPodcastIndex(PodcastIndex{Key: "k"}))
	require.Nil(t, c.podcastIndex)
}
