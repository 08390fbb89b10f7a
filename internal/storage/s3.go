package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

// s3API is the subset of the S3 client used by S3Backend
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Backend stores objects in an S3-compatible bucket
type S3Backend struct {
	client   s3API
	bucket   string
	endpoint string
}

// NewS3Backend creates a backend for an S3-compatible endpoint
func NewS3Backend(ctx context.Context, config Config) (*S3Backend, error) {
	if config.Bucket == "" {
		return nil, NewError("InvalidConfig", "S3 bucket is required")
	}

	region := config.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg := aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
	}

	if config.Endpoint != "" {
		endpoint := config.Endpoint
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               endpoint,
				HostnameImmutable: true,
				SigningRegion:     region,
			}, nil
		})
		cfg.EndpointResolverWithOptions = customResolver
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Use path-style URLs for compatibility
	})

	logrus.WithFields(logrus.Fields{
		"endpoint": config.Endpoint,
		"bucket":   config.Bucket,
	}).Info("S3 storage backend initialized")

	return &S3Backend{client: client, bucket: config.Bucket, endpoint: config.Endpoint}, nil
}

// Put uploads an object. Bodies that cannot seek are buffered so the request can be signed.
func (b *S3Backend) Put(ctx context.Context, path string, data io.Reader, metadata map[string]string) error {
	if err := validatePath(path); err != nil {
		return err
	}

	body, size, err := seekableBody(data)
	if err != nil {
		return NewErrorWithCause("WriteData", "Failed to read upload", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(path),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata:      userMetadata(metadata),
	}
	if ct := metadata[MetaContentType]; ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return NewErrorWithCause("PutObject", "Failed to put object", err)
	}

	logrus.WithFields(logrus.Fields{
		"bucket": b.bucket,
		"key":    path,
		"size":   size,
	}).Debug("Uploaded object to S3")
	return nil
}

// Get downloads an object
func (b *S3Backend) Get(ctx context.Context, path string) (io.ReadCloser, map[string]string, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, err
	}

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, NewErrorWithCause("GetObject", "Failed to get object", err)
	}

	metadata := make(map[string]string, len(result.Metadata)+2)
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	if result.ContentType != nil {
		metadata[MetaContentType] = *result.ContentType
	}
	if result.ContentLength != nil {
		metadata[MetaSize] = strconv.FormatInt(*result.ContentLength, 10)
	}

	return result.Body, metadata, nil
}

// Delete removes objects in one DeleteObjects request. S3 reports missing keys as deleted.
func (b *S3Backend) Delete(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	failed := make(map[string]error)
	ids := make([]types.ObjectIdentifier, 0, len(paths))
	for _, p := range paths {
		if err := validatePath(p); err != nil {
			failed[p] = err
			continue
		}
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(p)})
	}

	// DeleteObjects accepts at most 1000 keys per request
	for start := 0; start < len(ids); start += 1000 {
		end := start + 1000
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			for _, id := range batch {
				failed[aws.ToString(id.Key)] = NewErrorWithCause("DeleteObject", "Failed to delete object", err)
			}
			continue
		}
		for _, e := range out.Errors {
			if aws.ToString(e.Code) == "NoSuchKey" {
				continue
			}
			failed[aws.ToString(e.Key)] = NewError("DeleteObject", aws.ToString(e.Message))
		}
	}

	if len(failed) > 0 {
		return &DeleteError{Failed: failed}
	}
	return nil
}

// Exists checks whether an object exists
func (b *S3Backend) Exists(ctx context.Context, path string) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, NewErrorWithCause("HeadObject", "Failed to head object", err)
	}
	return true, nil
}

// Close releases backend resources
func (b *S3Backend) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// userMetadata strips the keys carried in dedicated S3 headers
func userMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if k == MetaContentType || k == MetaSize {
			continue
		}
		out[k] = v
	}
	return out
}

func seekableBody(data io.Reader) (io.ReadSeeker, int64, error) {
	if rs, ok := data.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, err
		}
		end, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, err
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return nil, 0, err
		}
		return rs, end - start, nil
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to buffer body: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), n, nil
}
