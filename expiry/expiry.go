// Package expiry runs the cache cleanup pass on a schedule.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/media-cache/cache"
)

// Cleaner runs one cleanup pass. *cache.Service implements it.
type Cleaner interface {
	Cleanup(ctx context.Context) (*cache.CleanupResult, error)
}

// Config holds cleanup scheduling configuration.
type Config struct {
	// StartupDelay is how long to wait after Start before the first pass,
	// so a restart does not stall on a full directory scan.
	// Default is 30 minutes.
	StartupDelay time.Duration

	// Interval is how often to run cleanup after the first pass.
	// Default is 1 hour.
	Interval time.Duration

	// Logger for cleanup events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		StartupDelay: 30 * time.Minute,
		Interval:     1 * time.Hour,
		Logger:       slog.Default(),
	}
}

// Manager triggers periodic cleanup passes.
type Manager struct {
	config  Config
	cleaner Cleaner
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new cleanup manager.
func NewManager(c Cleaner, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.StartupDelay == 0 {
		cfg.StartupDelay = def.StartupDelay
	}
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	return &Manager{
		config:  cfg,
		cleaner: c,
		logger:  cfg.Logger.With("component", "expiry"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background cleanup. It is a no-op if already started or
// stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background cleanup and waits for a pass in progress.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	delay := time.NewTimer(m.config.StartupDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-m.stopCh:
		return
	case <-delay.C:
		m.RunOnce(ctx)
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass. Failures are logged and the
// partial result, if any, is returned.
func (m *Manager) RunOnce(ctx context.Context) *cache.CleanupResult {
	m.logger.Debug("starting cleanup")

	result, err := m.cleaner.Cleanup(ctx)
	if err != nil {
		m.logger.Error("cleanup failed", "error", err)
		return result
	}

	if result.Removed > 0 || result.Orphans > 0 {
		m.logger.Info("cleanup freed space",
			"removed", result.Removed,
			"orphans", result.Orphans,
			"freed", humanize.IBytes(uint64(max(result.BytesFreed, 0))),
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("cleanup complete, nothing to remove", "entries", result.Entries)
	}
	return result
}
