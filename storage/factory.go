package storage

import (
	"context"
	"fmt"

	"github.com/crateport/crateport/config"
)

// NewFromConfig builds the configured storage backend wrapped with the
// timeout and retry policy.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	var inner Store
	switch cfg.Mode {
	case config.StorageModeFS:
		inner = NewLocalStore(cfg.Root)
	case config.StorageModeS3:
		s3Store, err := NewS3Store(ctx, S3Options{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("configure s3 storage: %w", err)
		}
		inner = s3Store
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Mode)
	}
	return NewRetryStore(inner, cfg.Timeout, cfg.MaxRetries), nil
}
