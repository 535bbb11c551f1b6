package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate runs struct-tag validation over cfg, plus the cross-field
// checks validator tags can't express (e.g. S3 backend requires a
// bucket).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	if cfg.Storage.Backend == "s3" && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("config: storage.s3.bucket is required when storage.backend is \"s3\"")
	}
	for _, dg := range cfg.DataGroups {
		if dg.ID < 0 {
			return fmt.Errorf("config: data_groups: id must be non-negative, got %d", dg.ID)
		}
	}
	return nil
}
