package cdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/agentworkforce/imagerelay/internal/imagerelay"
)

type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// PublicBaseURL prefixes public object URLs, e.g. a CDN in front of the
	// bucket. Defaults to the endpoint itself.
	PublicBaseURL string
}

// S3Storage writes objects to any S3-compatible store.
type S3Storage struct {
	client     *miniogo.Client
	endpoint   string
	bucket     string
	region     string
	publicBase string
}

func NewS3Storage(opts S3Options) (*S3Storage, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: s3 endpoint is required", imagerelay.ErrInvalidInput)
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", imagerelay.ErrInvalidInput)
	}
	client, err := miniogo.New(endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: strings.TrimSpace(opts.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	publicBase := strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/")
	if publicBase == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		publicBase = scheme + "://" + endpoint + "/" + bucket
	}
	return &S3Storage{
		client:     client,
		endpoint:   endpoint,
		bucket:     bucket,
		region:     strings.TrimSpace(opts.Region),
		publicBase: publicBase,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Storage) Put(ctx context.Context, objectPath string, body io.Reader, size int64) error {
	if size <= 0 {
		size = -1
	}
	_, err := s.client.PutObject(ctx, s.bucket, strings.TrimLeft(objectPath, "/"), body, size, miniogo.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return s.classify(objectPath, err)
	}
	return nil
}

func (s *S3Storage) PublicURL(objectPath string) string {
	return s.publicBase + "/" + escapePath(objectPath)
}

// classify surfaces the HTTP status of S3 error responses so 5xx answers
// are retried like any other transient upload failure.
func (s *S3Storage) classify(objectPath string, err error) error {
	var response miniogo.ErrorResponse
	if errors.As(err, &response) && response.StatusCode != 0 {
		return &imagerelay.StatusError{
			Endpoint:   s.endpoint,
			StatusCode: response.StatusCode,
			Body:       response.Code + ": " + response.Message,
		}
	}
	return fmt.Errorf("upload %s: %w", objectPath, err)
}
