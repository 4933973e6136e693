package config

import (
	"strings"
	"time"

	"github.com/bozonx/mediastore/internal/bytesize"
	"github.com/bozonx/mediastore/pkg/store/metadata"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	applyServerDefaults(&cfg.Server)
	cfg.Database.ApplyDefaults()
	applyStorageDefaults(&cfg.Storage)
	applyCompressionDefaults(&cfg.Compression)
	applyThumbnailDefaults(&cfg.Thumbnail)
	applyUploadDefaults(&cfg.Upload)
	applyCleanupDefaults(&cfg.Cleanup)
	cfg.ImageProcessing.ApplyDefaults()
	applyURLUploadDefaults(&cfg.URLUpload)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Minute // streaming uploads
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Minute // streaming downloads
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
}

func applyCompressionDefaults(cfg *CompressionConfig) {
	if cfg.Format == "" {
		cfg.Format = "webp"
	}
	if cfg.MaxDimension == 0 {
		cfg.MaxDimension = 2560
	}
	if cfg.Quality == 0 {
		cfg.Quality = 80
	}
	if cfg.Effort == 0 {
		cfg.Effort = 4
	}
	if cfg.ChromaSubsampling == "" {
		cfg.ChromaSubsampling = "4:2:0"
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
}

func applyThumbnailDefaults(cfg *ThumbnailConfig) {
	if cfg.Format == "" {
		cfg.Format = "webp"
	}
	if cfg.MaxWidth == 0 {
		cfg.MaxWidth = 1024
	}
	if cfg.MaxHeight == 0 {
		cfg.MaxHeight = 1024
	}
	if cfg.MinWidth == 0 {
		cfg.MinWidth = 16
	}
	if cfg.MinHeight == 0 {
		cfg.MinHeight = 16
	}
	if cfg.Quality == 0 {
		cfg.Quality = 75
	}
	if cfg.Effort == 0 {
		cfg.Effort = 4
	}
	if cfg.CacheMaxAge == 0 {
		cfg.CacheMaxAge = 24 * time.Hour
	}
}

func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.ImageMaxBytes == 0 {
		cfg.ImageMaxBytes = 20 * bytesize.MiB
	}
	if cfg.VideoMaxBytes == 0 {
		cfg.VideoMaxBytes = 2 * bytesize.GiB
	}
	if cfg.AudioMaxBytes == 0 {
		cfg.AudioMaxBytes = 500 * bytesize.MiB
	}
	if cfg.DocumentMaxBytes == 0 {
		cfg.DocumentMaxBytes = 100 * bytesize.MiB
	}
}

func applyCleanupDefaults(cfg *CleanupConfig) {
	if cfg.Cron == "" {
		cfg.Cron = "*/10 * * * *"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.S3ListPageSize == 0 {
		cfg.S3ListPageSize = 1000
	}
	if cfg.BadStatusTTL == 0 {
		cfg.BadStatusTTL = 7 * 24 * time.Hour
	}
	if cfg.SoftDeletedRetryDelay == 0 {
		cfg.SoftDeletedRetryDelay = 10 * time.Minute
	}
	if cfg.ThumbnailsTTL == 0 {
		cfg.ThumbnailsTTL = 30 * 24 * time.Hour
	}
	if cfg.TmpTTL == 0 {
		cfg.TmpTTL = 24 * time.Hour
	}
	if cfg.OriginalsTTL == 0 {
		cfg.OriginalsTTL = 24 * time.Hour
	}
	if cfg.StuckUploadTimeout == 0 {
		cfg.StuckUploadTimeout = time.Hour
	}
	if cfg.StuckDeleteTimeout == 0 {
		cfg.StuckDeleteTimeout = time.Hour
	}
	if cfg.StuckOptimizationTimeout == 0 {
		cfg.StuckOptimizationTimeout = time.Hour
	}
}

func applyURLUploadDefaults(cfg *URLUploadConfig) {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 100 * bytesize.MiB
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 5
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Database: metadata.Config{
			Type: metadata.DatabaseTypeSQLite, // Default to SQLite for single-node
		},
		Storage: StorageConfig{
			Endpoint:        "http://localhost:9000",
			Bucket:          "media",
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
			ForcePathStyle:  true,
		},
		Upload: UploadConfig{
			BlockExecutables: true,
			BlockArchives:    false,
		},
		Cleanup: CleanupConfig{
			Enabled: true,
		},
		URLUpload: URLUploadConfig{
			BlockUnsafeConnections: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
