package cdn

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/imagerelay/internal/imagerelay"
)

const (
	KindBunny = "bunny"
	KindS3    = "s3"
)

type Config struct {
	// Kind selects the backend: bunny (default) or s3.
	Kind  string
	Bunny BunnyOptions
	S3    S3Options
	// CreateBucket makes the s3 backend create its bucket on startup.
	CreateBucket bool
}

func NewDestination(ctx context.Context, cfg Config) (imagerelay.Destination, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindBunny, "bunnycdn":
		return NewBunnyStorage(cfg.Bunny)
	case KindS3, "minio":
		storage, err := NewS3Storage(cfg.S3)
		if err != nil {
			return nil, err
		}
		if cfg.CreateBucket {
			if err := storage.EnsureBucket(ctx); err != nil {
				return nil, err
			}
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("%w: unsupported destination %q", imagerelay.ErrInvalidInput, cfg.Kind)
	}
}
