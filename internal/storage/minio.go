package storage

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("codedrop-storage")

// MinIOBackend stores objects in a MinIO bucket, creating it on startup
type MinIOBackend struct {
	client *minio.Client
	bucket string
}

// NewMinIOBackend connects to MinIO and ensures the bucket exists
func NewMinIOBackend(ctx context.Context, config Config) (*MinIOBackend, error) {
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, NewError("InvalidConfig", "MinIO endpoint and bucket are required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		logrus.WithField("bucket", config.Bucket).Info("Creating bucket")
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"endpoint": config.Endpoint,
		"bucket":   config.Bucket,
	}).Info("MinIO storage backend initialized")

	return &MinIOBackend{client: client, bucket: config.Bucket}, nil
}

// Put streams an object to MinIO. A "size" metadata entry lets MinIO skip multipart buffering.
func (b *MinIOBackend) Put(ctx context.Context, path string, data io.Reader, metadata map[string]string) error {
	if err := validatePath(path); err != nil {
		return err
	}

	size := int64(-1)
	if s, err := strconv.ParseInt(metadata[MetaSize], 10, 64); err == nil {
		size = s
	}

	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(
			attribute.String("object_key", path),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	_, err := b.client.PutObject(ctx, b.bucket, path, data, size, minio.PutObjectOptions{
		ContentType:  metadata[MetaContentType],
		UserMetadata: userMetadata(metadata),
	})
	if err != nil {
		span.RecordError(err)
		return NewErrorWithCause("PutObject", "Failed to put object", err)
	}
	return nil
}

// Get opens an object. MinIO defers the request until the first read, so Stat
// is called up front to surface a missing object as ErrObjectNotFound.
func (b *MinIOBackend) Get(ctx context.Context, path string) (io.ReadCloser, map[string]string, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, err
	}

	ctx, span := tracer.Start(ctx, "minio.get_object",
		trace.WithAttributes(attribute.String("object_key", path)),
	)
	defer span.End()

	object, err := b.client.GetObject(ctx, b.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, nil, b.translate(err, "GetObject")
	}

	info, err := object.Stat()
	if err != nil {
		object.Close()
		return nil, nil, b.translate(err, "GetObject")
	}

	metadata := make(map[string]string, len(info.UserMetadata)+2)
	for k, v := range info.UserMetadata {
		metadata[k] = v
	}
	metadata[MetaContentType] = info.ContentType
	metadata[MetaSize] = strconv.FormatInt(info.Size, 10)

	return object, metadata, nil
}

// Delete removes objects one by one; MinIO reports missing keys as success
func (b *MinIOBackend) Delete(ctx context.Context, paths ...string) error {
	return deleteEach(paths, func(path string) error {
		if err := validatePath(path); err != nil {
			return err
		}
		if err := b.client.RemoveObject(ctx, b.bucket, path, minio.RemoveObjectOptions{}); err != nil {
			return b.translate(err, "DeleteObject")
		}
		return nil
	})
}

// Exists checks whether an object exists
func (b *MinIOBackend) Exists(ctx context.Context, path string) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}

	_, err := b.client.StatObject(ctx, b.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, NewErrorWithCause("StatObject", "Failed to stat object", err)
	}
	return true, nil
}

// Close releases backend resources
func (b *MinIOBackend) Close() error {
	return nil
}

func (b *MinIOBackend) translate(err error, op string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrObjectNotFound
	}
	return NewErrorWithCause(op, "MinIO "+op+" failed", err)
}
