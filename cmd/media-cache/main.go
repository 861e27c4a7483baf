// Command media-cache serves podcast artwork, audio and API responses from a
// local disk cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wolfeidau/media-cache/cache"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/credentials/opprovider"
	"github.com/wolfeidau/media-cache/server"
	"github.com/wolfeidau/media-cache/telemetry"
	"github.com/wolfeidau/media-cache/upstream"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	DataDir     string `help:"Directory holding the cache and its metadata." default:"./data" env:"APP_DATA_DIR" type:"path"`
	Concurrency int    `help:"Maximum concurrent fetches." default:"5" env:"APP_CONCURRENCY"`

	LogLevel   string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"APP_LOG_LEVEL"`
	LogFormat  string `help:"Log format." default:"text" enum:"text,json" env:"APP_LOG_FORMAT"`
	LogFile    string `help:"Write logs to a rotated file instead of stderr." env:"APP_LOG_FILE" type:"path"`
	LogMaxSize int    `help:"Rotate the log file after this many megabytes." default:"100" env:"APP_LOG_MAX_SIZE"`

	Credentials string `help:"Credentials template file." env:"APP_CREDENTIALS_FILE" type:"path"`

	PodcastIndexKey    string `help:"PodcastIndex API key." env:"APP_PODCASTINDEX_KEY"`
	PodcastIndexSecret string `help:"PodcastIndex API secret." env:"APP_PODCASTINDEX_SECRET"`
	UserAgent          string `help:"User-Agent sent upstream." env:"APP_PODCASTINDEX_USER_AGENT"`

	UpstreamRPS   float64 `help:"Upstream request rate limit per second, 0 for none." default:"0" env:"APP_UPSTREAM_RPS"`
	UpstreamBurst int     `help:"Upstream request burst." default:"10" env:"APP_UPSTREAM_BURST"`

	Version kong.VersionFlag `help:"Print version and exit."`

	logger *slog.Logger
	creds  *credentials.Credentials
}

// CLI is the command line of media-cache.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Run the HTTP server (default)."`
	Cleanup CleanupCmd `cmd:"" help:"Run one cleanup pass and exit."`
	Fetch   FetchCmd   `cmd:"" help:"Fetch a URL through the cache."`
}

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	Hostname  string `help:"Interface to listen on." env:"APP_HOSTNAME"`
	Port      int    `help:"Port to listen on." default:"8080" env:"APP_PORT"`
	AuthToken string `help:"Bearer token for HTTP requests. Overrides the credentials file." env:"APP_AUTH_TOKEN"`

	CleanupStartupDelay time.Duration `help:"Delay before the first periodic cleanup." default:"30m" env:"APP_CLEANUP_STARTUP_DELAY"`
	CleanupInterval     time.Duration `help:"Interval between periodic cleanups." default:"1h" env:"APP_CLEANUP_INTERVAL"`
	DisableCleanup      bool          `help:"Disable periodic cleanup." env:"APP_DISABLE_CLEANUP"`
	CleanupOnClose      bool          `help:"Run cleanup when shutting down." env:"APP_CLEANUP_ON_CLOSE"`

	MetricsPrometheus bool   `help:"Expose Prometheus metrics on /metrics." env:"APP_METRICS_PROMETHEUS"`
	MetricsOTLP       string `help:"OTLP gRPC endpoint for metrics, e.g. localhost:4317." env:"APP_METRICS_OTLP_ENDPOINT"`

	ShutdownTimeout time.Duration `help:"Grace period for in-flight requests on shutdown." default:"10s" env:"APP_SHUTDOWN_TIMEOUT"`
}

// CleanupCmd runs one cleanup pass.
type CleanupCmd struct{}

// FetchCmd fetches one URL and writes the body to a file or stdout.
type FetchCmd struct {
	URL      string        `arg:"" help:"URL to fetch."`
	Name     string        `help:"Logical name to store the blob under."`
	Accept   []string      `help:"Acceptable media types, in preference order."`
	MaxAge   time.Duration `help:"Maximum age of a cached entry." default:"720h"`
	Compress bool          `help:"Store the blob gzip-compressed." default:"true" negatable:""`
	Output   string        `short:"o" help:"Write the body here instead of stdout." type:"path"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("media-cache"),
		kong.Description("Disk cache for podcast artwork, audio and API responses."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	closeLog, err := cli.setup(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	err = kctx.Run(&cli.Globals)
	_ = closeLog()
	kctx.FatalIfErrorf(err)
}

// setup builds the logger and resolves credentials.
func (g *Globals) setup(ctx context.Context) (func() error, error) {
	logger, closeLog, err := newLogger(g.LogLevel, g.LogFormat, g.LogFile, g.LogMaxSize)
	if err != nil {
		return nil, err
	}
	g.logger = logger
	slog.SetDefault(logger)

	creds := &credentials.Credentials{}
	if g.Credentials != "" {
		r := credentials.NewResolver(
			credentials.WithLogger(logger),
			opprovider.WithOnePassword(),
		)
		creds, err = r.ResolveFile(ctx, g.Credentials)
		if err != nil {
			_ = closeLog()
			return nil, fmt.Errorf("resolving credentials: %w", err)
		}
	}
	if g.PodcastIndexKey != "" || g.PodcastIndexSecret != "" {
		creds.PodcastIndex = &credentials.PodcastIndexCredentials{
			Key:       g.PodcastIndexKey,
			Secret:    g.PodcastIndexSecret,
			UserAgent: g.UserAgent,
		}
		if err := creds.Validate(); err != nil {
			_ = closeLog()
			return nil, err
		}
	}
	g.creds = creds
	return closeLog, nil
}

func newLogger(level, format, file string, maxSize int) (*slog.Logger, func() error, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %s", level)
	}

	var w io.Writer = os.Stderr
	closeLog := func() error { return nil }
	if file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSize,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		w = lj
		closeLog = lj.Close
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.DateTime,
			NoColor:    file != "",
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		_ = closeLog()
		return nil, nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), closeLog, nil
}

// openCache opens the cache in the data directory with the resolved
// upstream credentials.
func (g *Globals) openCache(cleanupOnClose bool) (*cache.Service, error) {
	opts := append(g.creds.UpstreamOptions(),
		upstream.WithRateLimit(g.UpstreamRPS, g.UpstreamBurst),
	)
	if g.UserAgent != "" {
		opts = append(opts, upstream.WithUserAgent(g.UserAgent))
	}

	svc, err := cache.Open(cache.Config{
		DataDir:        g.DataDir,
		Concurrency:    g.Concurrency,
		CleanupOnClose: cleanupOnClose,
		Upstream:       upstream.New(opts...),
		Logger:         g.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return svc, nil
}

// Run serves HTTP until ctx is cancelled, then drains the server and closes
// the cache.
func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	logger := g.logger

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "media-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.MetricsOTLP,
		EnablePrometheus: c.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		mctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(mctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	svc, err := g.openCache(c.CleanupOnClose)
	if err != nil {
		return err
	}

	token := g.creds.AuthToken
	if c.AuthToken != "" {
		token = c.AuthToken
	}

	srv, err := server.New(svc, server.Config{
		Address:             net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port)),
		AuthToken:           token,
		CleanupStartupDelay: c.CleanupStartupDelay,
		CleanupInterval:     c.CleanupInterval,
		DisableCleanup:      c.DisableCleanup,
		Logger:              logger,
	})
	if err != nil {
		_ = svc.Close(context.Background())
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"data_dir", g.DataDir,
		"blob_dir", svc.BlobDir(),
		"concurrency", g.Concurrency,
		"auth", token != "",
		"podcastindex", g.creds.PodcastIndex != nil,
		"version", version,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("closing cache: %w", err))
	}
	return serveErr
}

// Run performs one cleanup pass and prints a summary.
func (c *CleanupCmd) Run(ctx context.Context, g *Globals) error {
	svc, err := g.openCache(false)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()

	res, err := svc.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	fmt.Printf("checked %d entries, removed %d, deleted %d orphans, freed %s in %s\n",
		res.Entries, res.Removed, res.Orphans, humanize.IBytes(uint64(res.BytesFreed)), res.Duration.Round(time.Millisecond))
	if res.Errors > 0 {
		return fmt.Errorf("cleanup finished with %d errors", res.Errors)
	}
	return nil
}

// Run fetches c.URL through the cache.
func (c *FetchCmd) Run(ctx context.Context, g *Globals) error {
	svc, err := g.openCache(false)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()

	opts := []cache.Option{
		cache.WithMaxAge(c.MaxAge),
		cache.WithCompress(c.Compress),
	}
	if c.Name != "" {
		opts = append(opts, cache.WithName(c.Name))
	}
	if len(c.Accept) > 0 {
		opts = append(opts, cache.WithAccept(c.Accept...))
	}

	start := time.Now()
	resp, err := svc.Fetch(ctx, c.URL, opts...)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if c.Output != "" {
		if err := os.MkdirAll(filepath.Dir(c.Output), 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		f, err := os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	if _, err := out.Write(resp.Body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	g.logger.Info("fetched",
		"url", c.URL,
		"cache", resp.Header.Get(cache.HeaderCache),
		"content_type", resp.Entry.ContentType,
		"size", humanize.IBytes(uint64(len(resp.Body))),
		"blob", resp.Path,
		"duration", time.Since(start),
	)
	return nil
}
