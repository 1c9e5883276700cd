// Package archive stores build context tarballs in an S3-compatible
// object store between the fetch and build stages of the pipeline.
package archive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store writes and reads build archives by opaque key.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, length int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// S3Store is a Store backed by a single bucket in an S3-compatible
// object store (AWS S3, MinIO, Ceph RGW).
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(endpoint, region, accessKey, secretKey, bucket string) *S3Store {
	return &S3Store{
		client: s3.New(s3.Options{
			BaseEndpoint: aws.String(endpoint),
			Region:       region,
			Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
			UsePathStyle: true,
		}),
		bucket: bucket,
	}
}

// NewKey returns a fresh random object key for a build archive,
// namespaced under the owning application.
func NewKey(org, project, app string) string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return fmt.Sprintf("%s/%s/%s/%s.tar.gz", org, project, app, hex.EncodeToString(buf))
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, length int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(length),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("putting archive %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting archive %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting archive %s: %w", key, err)
	}
	return nil
}
