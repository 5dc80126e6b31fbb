package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig describes the SDK client a range-read Client is built on.
type ClientConfig struct {
	// Region of the bucket. Required.
	Region string

	// Endpoint overrides the service URL, for S3-compatible stores.
	Endpoint string

	// UsePathStyle addresses buckets as URL paths. Local emulators need it.
	UsePathStyle bool

	// Credentials replace the default credential chain when set.
	Credentials aws.CredentialsProvider

	// RetryMaxAttempts caps the SDK's transport-level attempts. Zero keeps
	// the SDK default; 1 leaves retrying to the fetch scheduler.
	RetryMaxAttempts int
}

// NewClient loads the default AWS configuration for cfg.Region and returns
// an SDK client with cfg's overrides applied.
//
//	api, err := s3.NewClient(ctx, s3.LocalStackConfig())
//	...
//	client, err := s3.New(api, s3.Config{})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3: region is required")
	}

	load := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Credentials != nil {
		load = append(load, config.WithCredentialsProvider(cfg.Credentials))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.RetryMaxAttempts > 0 {
			o.RetryMaxAttempts = cfg.RetryMaxAttempts
		}
	}), nil
}

// LocalStackConfig points at a LocalStack container on its default port
// with its test credentials.
func LocalStackConfig() ClientConfig {
	return localConfig("http://localhost:4566", "test", "test")
}

// MinIOConfig points at a MinIO server on its default port with its
// out-of-the-box root credentials.
func MinIOConfig() ClientConfig {
	return localConfig("http://localhost:9000", "minioadmin", "minioadmin")
}

func localConfig(endpoint, key, secret string) ClientConfig {
	return ClientConfig{
		Region:       "us-east-1",
		Endpoint:     endpoint,
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(key, secret, ""),
	}
}
