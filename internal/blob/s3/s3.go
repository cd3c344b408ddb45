// Package s3 implements blob.Store on top of an S3-compatible server via MinIO.
package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/and161185/cipherlog/internal/blob"
)

// Config holds connection settings.
type Config struct {
	Endpoint        string // e.g. "minio:9000"
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
}

// Store is a single-bucket object store.
type Store struct {
	mc     *minio.Client
	bucket string
}

var _ blob.Store = (*Store)(nil)

// New connects to the server and creates the bucket if it does not exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: endpoint and bucket are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}
	return &Store{mc: mc, bucket: cfg.Bucket}, nil
}

// Put uploads an object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.mc.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

// Get opens an object, optionally restricted to a byte range.
func (s *Store) Get(ctx context.Context, key string, rng blob.Range) (io.ReadCloser, error) {
	opts, err := getOptions(rng)
	if err != nil {
		return nil, err
	}
	obj, err := s.mc.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, mapErr(err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapErr(err)
	}
	return obj, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.mc.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if mapErr(err) == blob.ErrNotFound {
		return false, nil
	}
	return false, err
}

// Delete removes an object.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.mc.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func getOptions(rng blob.Range) (minio.GetObjectOptions, error) {
	var opts minio.GetObjectOptions
	if rng.Offset < 0 || rng.Length < 0 {
		return opts, fmt.Errorf("s3: invalid range %+v", rng)
	}
	switch {
	case rng.Length > 0:
		return opts, opts.SetRange(rng.Offset, rng.Offset+rng.Length-1)
	case rng.Offset > 0:
		return opts, opts.SetRange(rng.Offset, 0)
	}
	return opts, nil
}

func mapErr(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return blob.ErrNotFound
	}
	return err
}
