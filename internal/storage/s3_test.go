package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory s3API
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	types     map[string]string
	failKeys  map[string]bool
	deleteErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		failKeys: make(map[string]bool),
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(f.types[aws.ToString(in.Key)]),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &s3.DeleteObjectsOutput{}
	for _, obj := range in.Delete.Objects {
		key := aws.ToString(obj.Key)
		if f.failKeys[key] {
			out.Errors = append(out.Errors, types.Error{Key: obj.Key, Code: aws.String("AccessDenied"), Message: aws.String("Access Denied")})
			continue
		}
		delete(f.objects, key)
	}
	return out, nil
}

func TestS3Backend(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	backend := &S3Backend{client: fake, bucket: "shares"}

	t.Run("Put buffers streaming bodies and keeps content type", func(t *testing.T) {
		body := io.LimitReader(strings.NewReader("streamed content"), 100)
		err := backend.Put(ctx, "u/ABC123_a.txt", body, map[string]string{MetaContentType: "text/plain"})
		require.NoError(t, err)

		reader, metadata, err := backend.Get(ctx, "u/ABC123_a.txt")
		require.NoError(t, err)
		defer reader.Close()

		got, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, "streamed content", string(got))
		assert.Equal(t, "text/plain", metadata[MetaContentType])
		assert.Equal(t, "16", metadata[MetaSize])
	})

	t.Run("Missing key maps to ErrObjectNotFound", func(t *testing.T) {
		_, _, err := backend.Get(ctx, "u/ZZZZZZ_none.txt")
		assert.ErrorIs(t, err, ErrObjectNotFound)

		exists, err := backend.Exists(ctx, "u/ZZZZZZ_none.txt")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Delete reports per-key failures", func(t *testing.T) {
		require.NoError(t, backend.Put(ctx, "u/KEEP00_k.txt", strings.NewReader("k"), nil))
		fake.failKeys["u/KEEP00_k.txt"] = true

		err := backend.Delete(ctx, "u/ABC123_a.txt", "u/KEEP00_k.txt")
		var delErr *DeleteError
		require.True(t, errors.As(err, &delErr))
		assert.Equal(t, 1, delErr.FailedPaths())

		exists, err := backend.Exists(ctx, "u/ABC123_a.txt")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Request failure fails the whole batch", func(t *testing.T) {
		fake.deleteErr = errors.New("connection reset")
		defer func() { fake.deleteErr = nil }()

		err := backend.Delete(ctx, "u/A00000_a.txt", "u/B00000_b.txt")
		var delErr *DeleteError
		require.True(t, errors.As(err, &delErr))
		assert.Equal(t, 2, delErr.FailedPaths())
	})
}
