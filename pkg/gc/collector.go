// Package gc provides garbage collection for abandoned staging files.
//
// Incoming transfers stage their parts in each drive's temp area and clean
// up when the exchange finalizes. Staged parts can still be left behind:
//   - Host crashes mid-exchange
//   - Connections dropped before any section finished
//   - Bugs in perimeter/staging coordination
//
// The collector periodically sweeps every mounted drive's temp area and
// removes staged files older than a configured age. Age is the only
// criterion: a live exchange never keeps a staged part around for longer
// than one streamed upload.
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haven-id/haven/internal/logger"
	"github.com/haven-id/haven/pkg/drive/storage"
)

// Collector performs periodic cleanup of abandoned staging files.
//
// The collector runs in the background and periodically scans the temp
// area of every mounted drive.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	registry *storage.Registry
	config   Config
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config contains configuration for the staging collector.
type Config struct {
	// Enabled controls whether collection is active
	Enabled bool

	// Interval is how often to sweep (default: 1h)
	Interval time.Duration

	// MaxAge is how old a staged file must be before it is considered
	// abandoned (default: 24h)
	MaxAge time.Duration

	// DryRun mode logs what would be deleted without actually deleting
	DryRun bool
}

// Stats describes one collection run.
type Stats struct {
	StartTime    time.Time
	Duration     time.Duration
	ScannedCount uint64
	RemovedCount uint64
	RemovedBytes uint64
	ErrorCount   uint64
}

// Summary returns a one-line description of the run.
func (s *Stats) Summary() string {
	return fmt.Sprintf("scanned=%d removed=%d bytes=%d errors=%d duration=%s",
		s.ScannedCount, s.RemovedCount, s.RemovedBytes, s.ErrorCount, s.Duration)
}

// NewCollector creates a new staging collector.
//
// The collector will be initialized but not started. Call Start() to begin
// background collection.
func NewCollector(registry *storage.Registry, config Config) *Collector {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}

	return &Collector{
		registry: registry,
		config:   config,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background collection.
//
// This starts a goroutine that sweeps at the configured interval until
// Stop() is called.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Staging collection disabled")
		return
	}

	logger.Info("Starting staging collector: interval=%s max_age=%s dry_run=%v",
		c.config.Interval, c.config.MaxAge, c.config.DryRun)

	go c.worker()
}

// Stop stops the collector and waits for it to finish.
//
// Parameters:
//   - ctx: bounds the wait; an in-progress sweep is interrupted if the
//     context expires
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	logger.Info("Stopping staging collector...")
	close(c.stopCh)

	select {
	case <-c.doneCh:
		logger.Info("Staging collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Staging collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow triggers an immediate sweep. Useful for tests, admin triggers,
// and initial cleanup on startup. Blocks until the sweep completes or the
// context is cancelled.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	return c.collect(ctx)
}

// worker is the background goroutine running periodic sweeps.
func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Staging collection failed: %v", err)
			} else if stats.RemovedCount > 0 {
				logger.Info("Staging collection completed: %s", stats.Summary())
			} else {
				logger.Debug("Staging collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect performs a single sweep over every mounted drive's temp area.
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.Duration = time.Since(stats.StartTime) }()

	cutoff := time.Now().Add(-c.config.MaxAge)

	for _, d := range c.registry.ListDrives() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := c.sweepDir(ctx, d.TempRoot, cutoff, stats); err != nil {
			return stats, fmt.Errorf("sweeping drive %q: %w", d.Name, err)
		}
	}

	return stats, nil
}

// sweepDir removes every regular file under dir older than the cutoff.
func (c *Collector) sweepDir(ctx context.Context, dir string, cutoff time.Time, stats *Stats) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// raced with a finalizing transfer
			continue
		}
		stats.ScannedCount++

		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if c.config.DryRun {
			logger.Info("Staging collection (dry run): would remove %s (age %s)",
				path, time.Since(info.ModTime()).Round(time.Second))
			stats.RemovedCount++
			stats.RemovedBytes += uint64(info.Size())
			continue
		}

		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			logger.Warn("Staging collection: failed to remove %s: %v", path, err)
			stats.ErrorCount++
			continue
		}
		stats.RemovedCount++
		stats.RemovedBytes += uint64(info.Size())
	}

	return nil
}
