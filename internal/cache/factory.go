package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"

	"tradeingest/internal/config"
)

// NewFromConfig builds the response cache for the configured backend.
func NewFromConfig(ctx context.Context, cfg config.CacheConfig, clock clockwork.Clock, log *slog.Logger) (*Cache, error) {
	if !cfg.Enabled {
		log.Info("cache: disabled")
		return Disabled(), nil
	}

	var driver Driver
	switch cfg.Backend {
	case config.CacheBackendFS:
		log.Info("cache: using local directory", "dir", cfg.Dir, "ttl_days", cfg.TTLDays)
		fsDriver, err := NewFSDriver(cfg.Dir)
		if err != nil {
			return nil, err
		}
		driver = fsDriver
	case config.CacheBackendS3:
		log.Info("cache: using S3", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix, "endpoint", cfg.S3Endpoint)
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		driver = NewS3Driver(client, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}

	return New(Config{
		Driver: driver,
		TTL:    cfg.TTL(),
		Clock:  clock,
		Logger: log,
	})
}

func newS3Client(ctx context.Context, cfg config.CacheConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
