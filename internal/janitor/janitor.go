// Package janitor runs the background sweep that deletes stale files from
// the upload and processed directories. It shares those directories with
// the request handlers without any locking: a sweep may remove a file that a
// client is about to fetch if the max age is shorter than the round trip.
package janitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// SweepResult summarizes one pass over all directories.
type SweepResult struct {
	Scanned int
	Deleted int
	Failed  int
}

// Janitor periodically removes files older than MaxAge.
type Janitor struct {
	fs       afero.Fs
	dirs     []string
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	once sync.Once
	done chan struct{}
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithClock overrides the time source used to compute the cutoff.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) {
		j.now = now
	}
}

// New creates a Janitor sweeping dirs on fsys.
func New(fsys afero.Fs, dirs []string, maxAge, interval time.Duration, logger *slog.Logger, opts ...Option) *Janitor {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		fs:       fsys,
		dirs:     dirs,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger.With(slog.String("source", "janitor")),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start launches Run in its own goroutine. Only the first call has an
// effect. The returned channel is closed once the loop has stopped.
func (j *Janitor) Start(ctx context.Context) <-chan struct{} {
	j.once.Do(func() {
		go func() {
			defer close(j.done)
			j.Run(ctx)
		}()
	})
	return j.done
}

// Run sweeps immediately and then once per interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("cache cleanup started",
		slog.Duration("max_age", j.maxAge),
		slog.Duration("interval", j.interval),
	)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cache cleanup stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep makes one pass over every directory and deletes regular files whose
// modification time is before now minus MaxAge. A file that cannot be
// deleted is logged and skipped.
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	start := j.now()
	cutoff := start.Add(-j.maxAge)
	j.logger.Debug("running cache cleanup", slog.Time("cutoff", cutoff))

	var res SweepResult
	for _, dir := range j.dirs {
		if ctx.Err() != nil {
			break
		}
		j.sweepDir(ctx, dir, cutoff, &res)
	}

	j.logger.Info("cache cleanup complete",
		slog.Int("scanned", res.Scanned),
		slog.Int("deleted", res.Deleted),
		slog.Int("failed", res.Failed),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return res
}

func (j *Janitor) sweepDir(ctx context.Context, dir string, cutoff time.Time, res *SweepResult) {
	entries, err := afero.ReadDir(j.fs, dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			j.logger.Error("failed to list directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !entry.Mode().IsRegular() {
			continue
		}
		res.Scanned++

		if !entry.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if err := j.fs.Remove(path); err != nil {
			res.Failed++
			j.logger.Error("failed to delete stale file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}

		res.Deleted++
		j.logger.Info("deleted stale file",
			slog.String("path", path),
			slog.Time("mod_time", entry.ModTime()),
		)
	}
}
