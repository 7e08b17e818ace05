// Package blobstore keeps build logs and build inputs in S3-compatible storage.
package blobstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrTooLarge   = errors.New("blob too large")
	ErrInvalidTTL = errors.New("invalid presign ttl")
)

const (
	maxPresignTTL  = 7 * 24 * time.Hour // SigV4 limit
	existsWaitTime = time.Minute
)

type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string

	// partSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	partSize int64
}

// NewStore creates a new Store from cfg.
// See NewClient for connection string format and panic conditions.
func NewStore(cfg *Config) *Store {
	client := NewClient(cfg.ConnectionString, cfg.region())
	return &Store{
		client:   client,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.bucket(),
		partSize: 10 * 1024 * 1024, // 10MB
	}
}

// Setup creates the bucket if it doesn't exist yet.
// It shouldn't be used with AWS as is because it doesn't set a location constraint.
func (s *Store) Setup(ctx context.Context) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if ownedErr := (*types.BucketAlreadyOwnedByYou)(nil); errors.As(err, &ownedErr) {
		// continue
	} else if err != nil {
		return fmt.Errorf("blobstore.Store: %w", err)
	}

	err = s3.NewBucketExistsWaiter(s.client).Wait(
		ctx,
		&s3.HeadBucketInput{Bucket: aws.String(s.bucket)},
		existsWaitTime,
	)
	if err != nil {
		return fmt.Errorf("blobstore.Store: %w", err)
	}

	return nil
}

// Put uploads r under key and returns the hex SHA-1 of what was uploaded.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (digest string, err error) {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = s.partSize
	})

	h := sha1.New()
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   io.TeeReader(r, h),
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooLarge" {
			err = errors.Join(ErrTooLarge, err)
		}
		return "", fmt.Errorf("blobstore.Store: %w", err)
	}

	err = s3.NewObjectExistsWaiter(s.client).Wait(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, existsWaitTime)
	if err != nil {
		return "", fmt.Errorf("blobstore.Store: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// StoreLog uploads a build or upload log under key.
func (s *Store) StoreLog(ctx context.Context, key string, r io.Reader) error {
	_, err := s.Put(ctx, key, r)
	return err
}

// Get downloads the blob under key into w.
// It returns ErrNotFound (wrapped) when there is no such blob.
func (s *Store) Get(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = s.partSize
	})

	n, err := downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			err = errors.Join(ErrNotFound, err)
		}
		return 0, fmt.Errorf("blobstore.Store: %w", err)
	}

	return n, nil
}

// PresignGet returns a URL anyone can GET key from until ttl passes.
// Workers fetch build inputs through it.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > maxPresignTTL {
		return "", fmt.Errorf("blobstore.Store: %w: %s", ErrInvalidTTL, ttl)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("blobstore.Store: %w", err)
	}

	return req.URL, nil
}

func isNotFound(err error) bool {
	if noSuchKeyErr := (*types.NoSuchKey)(nil); errors.As(err, &noSuchKeyErr) {
		return true
	}
	if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
