// Package s3 replicates committed encrypted artifacts to an S3 bucket.
// Only ciphertext ever leaves the machine.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/DoubleLatte/passcode/internal/core/ports"
	"github.com/DoubleLatte/passcode/internal/errs"
	"github.com/DoubleLatte/passcode/internal/storage"
)

// Client is the subset of the S3 API the store uses.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Store uploads artifacts and their metadata sidecars under a prefix in
// a single bucket.
type Store struct {
	client Client
	config Config
}

var _ ports.ArtifactStore = (*Store)(nil)

// New builds a Store from an existing client. Most callers use NewClient.
func New(client Client, config Config) *Store {
	return &Store{client: client, config: config.withDefaults()}
}

// Put uploads the artifact at localPath under name, plus a JSON sidecar
// with size and upload time.
func (s *Store) Put(ctx context.Context, localPath, name string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errs.Wrap(errs.ErrIO, localPath, "failed to read artifact", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.artifactKey(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return errs.Wrap(errs.ErrIO, name, "failed to upload artifact", err)
	}

	info := storage.ArtifactInfo{Name: name, Size: int64(len(data)), UploadedAt: time.Now().UTC()}
	infoBytes, err := json.Marshal(info)
	if err != nil {
		return errs.Wrap(errs.ErrIO, name, "failed to marshal artifact info", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.infoKey(name)),
		Body:        bytes.NewReader(infoBytes),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errs.Wrap(errs.ErrIO, name, "failed to upload artifact info", err)
	}
	return nil
}

// Delete removes an uploaded artifact and its sidecar.
func (s *Store) Delete(ctx context.Context, name string) error {
	for _, key := range []string{s.artifactKey(name), s.infoKey(name)} {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return errs.Wrap(errs.ErrIO, name, "failed to delete replica object", err)
		}
	}
	return nil
}

func (s *Store) artifactKey(name string) string {
	return path.Join(s.config.ArtifactPrefix, name)
}

func (s *Store) infoKey(name string) string {
	return path.Join(s.config.MetadataPrefix, name+".json")
}
