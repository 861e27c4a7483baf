package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/media-cache/credentials"
)

func TestNewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "media-cache.log")

	logger, closeLog, err := newLogger("debug", "json", logFile, 1)
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)
	require.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLoggerInvalid(t *testing.T) {
	_, _, err := newLogger("loud", "text", "", 1)
	require.Error(t, err)

	_, _, err = newLogger("info", "xml", "", 1)
	require.Error(t, err)
}

func TestSetupCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.tmpl")
	t.Setenv("TEST_MEDIA_CACHE_TOKEN", "s3cret")
	require.NoError(t, os.WriteFile(path, []byte(`{"auth_token": "{{ env "TEST_MEDIA_CACHE_TOKEN" }}"}`), 0o600))

	g := &Globals{LogLevel: "info", LogFormat: "text", Credentials: path}
	closeLog, err := g.setup(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeLog() })

	require.Equal(t, "s3cret", g.creds.AuthToken)
	require.Nil(t, g.creds.PodcastIndex)
}

func TestSetupPodcastIndexFlags(t *testing.T) {
	g := &Globals{LogLevel: "info", LogFormat: "text", PodcastIndexKey: "key", PodcastIndexSecret: "secret"}
	closeLog, err := g.setup(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeLog() })
	require.Equal(t, "key", g.creds.PodcastIndex.Key)

	g = &Globals{LogLevel: "info", LogFormat: "text", PodcastIndexKey: "key"}
	_, err = g.setup(context.Background())
	require.ErrorIs(t, err, credentials.ErrIncomplete)
}
