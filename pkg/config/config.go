// Package config loads and validates the media store configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (MEDIASTORE_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bozonx/mediastore/internal/bytesize"
	"github.com/bozonx/mediastore/pkg/imageproc"
	"github.com/bozonx/mediastore/pkg/store/metadata"
)

// Config represents the media store configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Server configures the HTTP API server
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Database configures the metadata database (SQLite or PostgreSQL)
	Database metadata.Config `mapstructure:"database" yaml:"database"`

	// Storage configures the S3-compatible blob backend
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Compression holds the image optimizer policy
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`

	// Thumbnail holds the thumbnail generation policy
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail" yaml:"thumbnail"`

	// Upload holds per-MIME-family size ceilings and MIME deny lists
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`

	// Cleanup configures the background reconciler
	Cleanup CleanupConfig `mapstructure:"cleanup" yaml:"cleanup"`

	// ImageProcessing is the remote image processor RPC endpoint
	ImageProcessing imageproc.Config `mapstructure:"image_processing" yaml:"image_processing"`

	// URLUpload configures ingestion from external URLs
	URLUpload URLUploadConfig `mapstructure:"url_upload" yaml:"url_upload"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// RequestTimeout bounds non-streaming request handling.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// Addr returns the host:port the server binds to.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig configures the S3-compatible blob backend.
type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint" validate:"required" yaml:"endpoint"`
	Region          string `mapstructure:"region" yaml:"region"`
	Bucket          string `mapstructure:"bucket" validate:"required" yaml:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id" validate:"required" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required" yaml:"secret_access_key"`

	// ForcePathStyle is required by MinIO and most self-hosted backends.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// CompressionConfig is the image optimizer policy. User-requested values
// are clamped against it; when ForceEnabled, policy overrides user input.
type CompressionConfig struct {
	ForceEnabled      bool   `mapstructure:"force_enabled" yaml:"force_enabled"`
	Format            string `mapstructure:"format" validate:"omitempty,oneof=webp avif jpeg png" yaml:"format"`
	MaxDimension      int    `mapstructure:"max_dimension" yaml:"max_dimension"`
	Quality           int    `mapstructure:"quality" validate:"omitempty,min=1,max=100" yaml:"quality"`
	Effort            int    `mapstructure:"effort" yaml:"effort"`
	Lossless          bool   `mapstructure:"lossless" yaml:"lossless"`
	StripMetadata     bool   `mapstructure:"strip_metadata" yaml:"strip_metadata"`
	AutoOrient        bool   `mapstructure:"auto_orient" yaml:"auto_orient"`
	ChromaSubsampling string `mapstructure:"chroma_subsampling" yaml:"chroma_subsampling"`

	// WaitTimeout bounds how long a download blocks on an in-flight
	// optimization before giving up with a timeout.
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
}

// ThumbnailConfig is the thumbnail generation policy. Requested dimensions
// are clamped into [Min, Max].
type ThumbnailConfig struct {
	Format    string `mapstructure:"format" validate:"omitempty,oneof=webp avif" yaml:"format"`
	MaxWidth  int    `mapstructure:"max_width" yaml:"max_width"`
	MaxHeight int    `mapstructure:"max_height" yaml:"max_height"`
	MinWidth  int    `mapstructure:"min_width" yaml:"min_width"`
	MinHeight int    `mapstructure:"min_height" yaml:"min_height"`
	Quality   int    `mapstructure:"quality" validate:"omitempty,min=1,max=100" yaml:"quality"`
	Effort    int    `mapstructure:"effort" yaml:"effort"`

	// CacheMaxAge feeds the Cache-Control header on served thumbnails.
	CacheMaxAge time.Duration `mapstructure:"cache_max_age" yaml:"cache_max_age"`
}

// UploadConfig holds per-MIME-family size ceilings and MIME deny lists.
// Sizes support human-readable formats: "20Mi", "100MB".
type UploadConfig struct {
	ImageMaxBytes    bytesize.ByteSize `mapstructure:"image_max_bytes" yaml:"image_max_bytes"`
	VideoMaxBytes    bytesize.ByteSize `mapstructure:"video_max_bytes" yaml:"video_max_bytes"`
	AudioMaxBytes    bytesize.ByteSize `mapstructure:"audio_max_bytes" yaml:"audio_max_bytes"`
	DocumentMaxBytes bytesize.ByteSize `mapstructure:"document_max_bytes" yaml:"document_max_bytes"`

	// BlockExecutables and BlockArchives toggle the built-in deny lists;
	// BlockedMimeTypes adds explicit types on top.
	BlockExecutables bool     `mapstructure:"block_executables" yaml:"block_executables"`
	BlockArchives    bool     `mapstructure:"block_archives" yaml:"block_archives"`
	BlockedMimeTypes []string `mapstructure:"blocked_mime_types" yaml:"blocked_mime_types,omitempty"`
}

// CleanupConfig configures the background reconciler.
type CleanupConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Cron is a standard 5-field cron expression.
	Cron string `mapstructure:"cron" yaml:"cron"`

	BatchSize      int `mapstructure:"batch_size" yaml:"batch_size"`
	S3ListPageSize int `mapstructure:"s3_list_page_size" yaml:"s3_list_page_size"`

	// Aging windows for the reconciler passes.
	BadStatusTTL          time.Duration `mapstructure:"bad_status_ttl" yaml:"bad_status_ttl"`
	SoftDeletedRetryDelay time.Duration `mapstructure:"soft_deleted_retry_delay" yaml:"soft_deleted_retry_delay"`
	ThumbnailsTTL         time.Duration `mapstructure:"thumbnails_ttl" yaml:"thumbnails_ttl"`
	TmpTTL                time.Duration `mapstructure:"tmp_ttl" yaml:"tmp_ttl"`
	OriginalsTTL          time.Duration `mapstructure:"originals_ttl" yaml:"originals_ttl"`

	StuckUploadTimeout       time.Duration `mapstructure:"stuck_upload_timeout" yaml:"stuck_upload_timeout"`
	StuckDeleteTimeout       time.Duration `mapstructure:"stuck_delete_timeout" yaml:"stuck_delete_timeout"`
	StuckOptimizationTimeout time.Duration `mapstructure:"stuck_optimization_timeout" yaml:"stuck_optimization_timeout"`
}

// URLUploadConfig configures ingestion from external URLs.
type URLUploadConfig struct {
	// BlockUnsafeConnections enables the SSRF guard (private addresses,
	// internal hostname suffixes, post-resolution re-checks).
	BlockUnsafeConnections bool `mapstructure:"block_unsafe_connections" yaml:"block_unsafe_connections"`

	// HTTPSOnly restricts fetches to https URLs.
	HTTPSOnly bool `mapstructure:"https_only" yaml:"https_only"`

	// IdleTimeout resets on every received chunk.
	IdleTimeout  time.Duration     `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxBytes     bytesize.ByteSize `mapstructure:"max_bytes" yaml:"max_bytes"`
	MaxRedirects int               `mapstructure:"max_redirects" yaml:"max_redirects"`
}

// MetricsConfig configures Prometheus metrics.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Path is the HTTP path the metrics handler is mounted on.
	Path string `mapstructure:"path" yaml:"path"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file
// is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  mediastore init\n\n"+
				"Or specify a custom config file:\n"+
				"  mediastore <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  mediastore init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file carries storage credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use MEDIASTORE_ prefix and underscores.
	// Example: MEDIASTORE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("MEDIASTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize
// so config files can use human-readable sizes like "1Gi" or "100MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files
// can use human-readable durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// current directory if home cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "mediastore")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "mediastore")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
