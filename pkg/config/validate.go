package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for errors. Struct tags cover the
// per-field rules; cross-field rules are checked explicitly.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return err
	}

	if cfg.Thumbnail.MinWidth > cfg.Thumbnail.MaxWidth {
		return fmt.Errorf("thumbnail min_width %d exceeds max_width %d",
			cfg.Thumbnail.MinWidth, cfg.Thumbnail.MaxWidth)
	}
	if cfg.Thumbnail.MinHeight > cfg.Thumbnail.MaxHeight {
		return fmt.Errorf("thumbnail min_height %d exceeds max_height %d",
			cfg.Thumbnail.MinHeight, cfg.Thumbnail.MaxHeight)
	}

	if cfg.Cleanup.Enabled && cfg.Cleanup.Cron == "" {
		return fmt.Errorf("cleanup is enabled but no cron expression is set")
	}

	if cfg.URLUpload.MaxRedirects < 0 {
		return fmt.Errorf("url_upload max_redirects must not be negative")
	}

	return nil
}
