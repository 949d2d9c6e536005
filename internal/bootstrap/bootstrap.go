// Package bootstrap provides dependency initialization for the watermark API.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/maauso/watermark-api/internal/config"
	"github.com/maauso/watermark-api/internal/janitor"
	"github.com/maauso/watermark-api/internal/storage"
	"github.com/maauso/watermark-api/internal/watermark"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Store  *storage.FileStore
	Engine watermark.Engine
	// Publisher is nil unless S3 is configured.
	Publisher storage.Publisher
	// Janitor is nil when cache cleanup is disabled.
	Janitor *janitor.Janitor
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	return newDependencies(ctx, afero.NewOsFs(), cfg, logger)
}

func newDependencies(ctx context.Context, fsys afero.Fs, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := storage.NewFileStore(fsys, cfg.UploadDir, cfg.ProcessedDir)
	if err != nil {
		return nil, fmt.Errorf("create file store: %w", err)
	}
	logger.Info("file store configured",
		slog.String("upload_dir", cfg.UploadDir),
		slog.String("processed_dir", cfg.ProcessedDir),
	)

	engine := watermark.NewLSBEngine(fsys, watermark.WithSeeds(cfg.ImageSeed, cfg.WatermarkSeed))

	publisher, err := initPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	deps := &Dependencies{
		Store:     store,
		Engine:    engine,
		Publisher: publisher,
	}

	if cfg.CacheCleanupEnabled {
		deps.Janitor = janitor.New(fsys, store.Dirs(),
			cfg.CacheMaxAge(), cfg.CacheCleanupInterval(), logger)
		logger.Info("cache cleanup enabled",
			slog.Duration("max_age", cfg.CacheMaxAge()),
			slog.Duration("interval", cfg.CacheCleanupInterval()),
		)
	} else {
		logger.Info("cache cleanup disabled")
	}

	return deps, nil
}

// initPublisher creates the S3 publisher when a bucket and region are set.
func initPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Publisher, error) {
	if !cfg.S3Enabled() {
		return nil, nil
	}

	pub, err := storage.NewS3Publisher(ctx, storage.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 publisher: %w", err)
	}
	logger.Info("S3 publishing configured",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("region", cfg.S3Region),
	)
	return pub, nil
}
