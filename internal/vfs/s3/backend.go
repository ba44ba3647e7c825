// Package s3 implements a vfs.Backend on an S3 compatible
// object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/thelolagemann/cartbox/internal/metrics"
	"github.com/thelolagemann/cartbox/pkg/log"
)

// Config describes the bucket to use.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// Backend stores every file as one object. A PutObject is
// atomic, so no staging is needed.
type Backend struct {
	client *s3.Client
	bucket string
	log    log.Logger
}

// New creates an S3 backend, creating the bucket if it does
// not exist.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if logger == nil {
		logger = log.NewNullLogger()
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
			o.UsePathStyle = true
			// compatible stores do not all accept the default
			// integrity checksums
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})

	b := &Backend{client: client, bucket: cfg.Bucket, log: logger}
	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}

	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	metrics.RecordStoreOp("s3", "create_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("bucket %s does not exist and cannot be created: %w", b.bucket, err)
	}
	b.log.Infof("s3: created bucket %s", b.bucket)
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, &fs.PathError{Op: "get", Path: key, Err: fs.ErrNotExist}
		}
		metrics.RecordStoreOp("s3", "get_object", time.Since(start), false)
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	metrics.RecordStoreOp("s3", "get_object", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	metrics.RecordStoreOp("s3", "put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	b.log.Debugf("s3: put %s (%d bytes)", key, len(data))
	return nil
}

// Delete removes key. S3 reports success for missing keys.
func (b *Backend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordStoreOp("s3", "delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			metrics.RecordStoreOp("s3", "head_object", time.Since(start), true)
			return false, nil
		}
		metrics.RecordStoreOp("s3", "head_object", time.Since(start), false)
		return false, fmt.Errorf("head object %s: %w", key, err)
	}
	metrics.RecordStoreOp("s3", "head_object", time.Since(start), true)
	return true, nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	keys := make([]string, 0)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			metrics.RecordStoreOp("s3", "list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	metrics.RecordStoreOp("s3", "list_objects", time.Since(start), true)
	return keys, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }
