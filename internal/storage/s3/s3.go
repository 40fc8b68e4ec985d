// Package s3 stores content in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/retry"
	"github.com/fruitsalade/resources/internal/storage"
)

// Config holds S3 backend settings.
type Config struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Region    string `yaml:"region" json:"region"`
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client *s3.Client
	bucket string
	retry  retry.Config
}

// New creates an S3 backend and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	b := &S3Backend{client: client, bucket: cfg.Bucket, retry: retry.DefaultConfig()}
	if err := b.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}
	return b, nil
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	if _, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, err)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

// classify maps missing keys to storage.ErrObjectNotFound and marks
// throttling and server errors as retryable.
func classify(key string, err error) error {
	if err == nil {
		return nil
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return storage.NotFound(key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return retry.Retryable(err)
		}
	}
	return err
}

// GetObject retrieves an object with range support.
func (b *S3Backend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if offset > 0 || length > 0 {
		if length > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	result, err := retry.DoWithResult(ctx, b.retry, func() (*s3.GetObjectOutput, error) {
		out, err := b.client.GetObject(ctx, input)
		return out, classify(key, err)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	return result.Body, aws.ToInt64(result.ContentLength), nil
}

// PutObject uploads content. The body is buffered so a retry can resend it.
func (b *S3Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body for %s: %w", key, err)
	}
	err = retry.Do(ctx, b.retry, func() error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return classify(key, err)
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// DeleteObject removes an object.
func (b *S3Backend) DeleteObject(ctx context.Context, key string) error {
	err := retry.Do(ctx, b.retry, func() error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		return classify(key, err)
	})
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil
	}
	return err
}

// CopyObject copies srcKey to dstKey inside the bucket.
func (b *S3Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	err := retry.Do(ctx, b.retry, func() error {
		_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(b.bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(b.bucket + "/" + srcKey),
		})
		return classify(srcKey, err)
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	logging.Debug("S3 copy object", zap.String("src", srcKey), zap.String("dst", dstKey))
	return nil
}

// ObjectExists checks if an object exists.
func (b *S3Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	err := retry.Do(ctx, b.retry, func() error {
		_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		return classify(key, err)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("head object %s: %w", key, err)
	}
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
