package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// LoadConfig loads the default AWS config. A non-empty endpoint (e.g.
// http://localhost:4566 for LocalStack) switches to static dummy credentials.
func LoadConfig(ctx context.Context, region, endpoint string) (aws.Config, error) {
	opts := []func(*configv2.LoadOptions) error{
		configv2.WithRegion(region),
	}
	if endpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}
	return configv2.LoadDefaultConfig(ctx, opts...)
}

func NewSQSClient(cfg aws.Config, endpoint string) *sqs.Client {
	if endpoint != "" {
		return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return sqs.NewFromConfig(cfg)
}

func NewS3Client(cfg aws.Config, endpoint string) *s3.Client {
	if endpoint != "" {
		return s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			// LocalStack serves buckets by path
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg)
}
