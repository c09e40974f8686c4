package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBackend stores entries as objects under "<generation>/<key>" in a
// MinIO/S3 compatible bucket.
type MinioBackend struct {
	client *minio.Client
	bucket string
}

// NewMinioBackend connects to MinIO and ensures the bucket exists.
func NewMinioBackend(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioBackend, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioBackend{client: client, bucket: bucket}, nil
}

func objectKey(generation, key string) string {
	return generation + "/" + key
}

func (m *MinioBackend) Get(ctx context.Context, generation, key string) (Entry, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey(generation, key), minio.GetObjectOptions{})
	if err != nil {
		return Entry{}, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Entry{}, ErrMiss
		}
		return Entry{}, fmt.Errorf("stat object: %w", err)
	}
	body, err := io.ReadAll(obj)
	if err != nil {
		return Entry{}, fmt.Errorf("read object: %w", err)
	}
	return Entry{ContentType: info.ContentType, StoredAt: info.LastModified, Body: body}, nil
}

// Put uploads an entry.
func (m *MinioBackend) Put(ctx context.Context, generation, key string, e Entry) error {
	contentType := e.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := m.client.PutObject(ctx, m.bucket, objectKey(generation, key), bytes.NewReader(e.Body), int64(len(e.Body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Generations lists the top-level prefixes of the bucket.
func (m *MinioBackend) Generations(ctx context.Context) ([]string, error) {
	var out []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Recursive: false}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			out = append(out, strings.TrimSuffix(obj.Key, "/"))
		}
	}
	return out, nil
}

// DropGeneration removes every object under the generation prefix.
func (m *MinioBackend) DropGeneration(ctx context.Context, generation string) error {
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    generation + "/",
		Recursive: true,
	})
	for res := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			return fmt.Errorf("delete object %s: %w", res.ObjectName, res.Err)
		}
	}
	return nil
}
