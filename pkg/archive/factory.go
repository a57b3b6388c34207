package archive

import (
	"context"
	"fmt"
)

// Config selects the archive backend: file, s3 or gcs.
type Config struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Bucket   string `mapstructure:"bucket" yaml:"bucket"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	Region   string `mapstructure:"region" yaml:"region"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// Open builds the configured Store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case "gcs":
		return openGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}
