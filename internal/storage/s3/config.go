package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/DoubleLatte/passcode/internal/errs"
)

// Config locates artifacts and sidecars within a bucket.
type Config struct {
	Bucket         string
	ArtifactPrefix string
	MetadataPrefix string
}

func (c Config) withDefaults() Config {
	if c.ArtifactPrefix == "" {
		c.ArtifactPrefix = "artifacts/"
	}
	if c.MetadataPrefix == "" {
		c.MetadataPrefix = "metadata/"
	}
	return c
}

// NewClient builds a Store against a real bucket using ambient AWS
// credentials, verifying the bucket is reachable first.
func NewClient(ctx context.Context, bucket string) (*Store, error) {
	if bucket == "" {
		return nil, errs.New(errs.ErrValidation, "", "replica bucket is empty")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ErrIO, bucket, "failed to load AWS configuration", err)
	}
	client := s3.NewFromConfig(cfg)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, errs.Wrap(errs.ErrIO, bucket, "failed to access replica bucket", err)
	}
	return New(client, Config{Bucket: bucket}), nil
}
