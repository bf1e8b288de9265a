package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds the settings needed to construct an S3 client.
type ClientConfig struct {
	// Region is the AWS region. May be left empty when the default
	// configuration chain (environment, shared config files) provides one.
	Region string

	// Endpoint is an optional custom endpoint URL for S3-compatible
	// services. Example: "http://localhost:9000" for MinIO.
	Endpoint string

	// UsePathStyle enables path-style addressing instead of
	// virtual-hosted style. Most self-hosted S3-compatible services
	// (MinIO, LocalStack) need this; AWS S3 does not.
	UsePathStyle bool

	// Credentials overrides the default credential chain when set.
	Credentials aws.CredentialsProvider
}

// NewClient builds an S3 client from the default AWS configuration with
// the given overrides applied.
//
// For AWS S3 only the region (or the AWS_REGION environment variable) is
// needed. For MinIO:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{
//	    Region:       "us-east-1",
//	    Endpoint:     "http://localhost:9000",
//	    UsePathStyle: true,
//	    Credentials:  credentials.NewStaticCredentialsProvider("minioadmin", "minioadmin", ""),
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Credentials != nil {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(cfg.Credentials))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}
