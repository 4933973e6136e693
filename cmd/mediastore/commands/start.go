package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/pkg/api"
	"github.com/bozonx/mediastore/pkg/cleanup"
	"github.com/bozonx/mediastore/pkg/config"
	"github.com/bozonx/mediastore/pkg/imageproc"
	"github.com/bozonx/mediastore/pkg/metrics"
	"github.com/bozonx/mediastore/pkg/service"
	"github.com/bozonx/mediastore/pkg/store/blob"
	"github.com/bozonx/mediastore/pkg/store/metadata"
	"github.com/bozonx/mediastore/pkg/urlfetch"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mediastore server",
	Long: `Start the mediastore HTTP server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/mediastore/config.yaml.

Examples:
  # Start with the default config file
  mediastore start

  # Start with a custom config file
  mediastore start --config /etc/mediastore/config.yaml

  # Start with environment variable overrides
  MEDIASTORE_LOGGING_LEVEL=DEBUG mediastore start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := metadata.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open metadata database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", logger.KeyError, err)
		}
	}()

	s3Client, err := blob.NewClient(ctx,
		cfg.Storage.Endpoint,
		cfg.Storage.Region,
		cfg.Storage.AccessKeyID,
		cfg.Storage.SecretAccessKey,
		cfg.Storage.ForcePathStyle,
	)
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}
	blobs, err := blob.NewS3Store(ctx, blob.S3Config{
		Client: s3Client,
		Bucket: cfg.Storage.Bucket,
	})
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	svc := service.New(cfg, db, blobs,
		imageproc.New(cfg.ImageProcessing),
		urlfetch.New(urlfetch.Config{
			BlockUnsafeConnections: cfg.URLUpload.BlockUnsafeConnections,
			HTTPSOnly:              cfg.URLUpload.HTTPSOnly,
			IdleTimeout:            cfg.URLUpload.IdleTimeout,
			MaxBytes:               int64(cfg.URLUpload.MaxBytes),
			MaxRedirects:           cfg.URLUpload.MaxRedirects,
		}),
		m,
	)
	defer svc.Close()

	reconciler := cleanup.New(cfg.Cleanup, db, blobs, m)
	if err := reconciler.Start(); err != nil {
		return fmt.Errorf("failed to start cleanup reconciler: %w", err)
	}
	defer reconciler.Stop()

	logger.Info("mediastore starting",
		"version", Version,
		logger.KeyBucket, cfg.Storage.Bucket,
		"database", string(cfg.Database.Type),
	)

	return api.NewServer(cfg, svc, m).Start(ctx)
}
