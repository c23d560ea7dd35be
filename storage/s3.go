package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store implements Store on an S3-compatible bucket. Object PUTs are
// atomic on the backend side; an object only becomes visible once the
// upload completes.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Options holds the connection parameters for an S3-compatible store.
type S3Options struct {
	// Endpoint overrides the AWS endpoint, for MinIO-style deployments.
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// NewS3Store creates an S3Store from connection options. When AccessKey
// is empty the default AWS credential chain is used.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreFromClient(client, opts.Bucket, opts.Prefix), nil
}

// NewS3StoreFromClient creates an S3Store from an existing client.
func NewS3StoreFromClient(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) objectKey(key string) string {
	return path.Join(s.prefix, key)
}

func (s *S3Store) Put(ctx context.Context, key string, reader io.Reader) error {
	// PutObject needs a seekable body with a known length for signing,
	// so the content is buffered. Crate archives are bounded by the
	// request body limit enforced upstream.
	data, err := io.ReadAll(reader)
	if err != nil {
		return wrap("put", key, err)
	}

	objectKey := s.objectKey(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &objectKey,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return wrap("put", key, classifyS3(err))
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey := s.objectKey(key)
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("get %q: %w", key, ErrNotFound)
		}
		return nil, wrap("get", key, classifyS3(err))
	}
	return result.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	objectKey := s.objectKey(key)
	// S3 DeleteObject succeeds for missing keys, matching LocalStore.
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		return wrap("delete", key, classifyS3(err))
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	objectKey := s.objectKey(key)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return false, nil
		}
		return false, wrap("exists", key, classifyS3(err))
	}
	return true, nil
}

// classifyS3 tags throttling and server-side errors as transient so the
// retry wrapper picks them up.
func classifyS3(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
			return &transientErr{err}
		}
	}
	return err
}

// transientErr marks an error as transient for IsTransient.
type transientErr struct{ err error }

func (e *transientErr) Error() string   { return e.err.Error() }
func (e *transientErr) Unwrap() error   { return e.err }
func (e *transientErr) Timeout() bool   { return true }
func (e *transientErr) Temporary() bool { return true }

var _ Store = (*S3Store)(nil)
