package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/xraph/reckon"
)

// Document is a fetched source document.
type Document struct {
	Key         string
	ContentType string
	Content     []byte
}

// DocumentStore fetches documents for OCR.
type DocumentStore interface {
	Fetch(ctx context.Context, key string) (*Document, error)
}

// ArtifactSink stores generated artifacts and returns their location.
type ArtifactSink interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// ObjectStoreConfig configures an S3-compatible object store.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ObjectStore is a DocumentStore and ArtifactSink over MinIO or any
// S3-compatible service.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

var (
	_ DocumentStore = (*ObjectStore)(nil)
	_ ArtifactSink  = (*ObjectStore)(nil)
)

// DefaultBucket is used when ObjectStoreConfig.Bucket is empty.
const DefaultBucket = "reckon"

// NewObjectStore creates a client for cfg. No request is made until the
// store is used.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("tasks: object store endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("tasks: object store client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &ObjectStore{client: client, bucket: bucket}, nil
}

// Fetch downloads key. A missing object is a fatal error; anything else is
// treated as transient.
func (s *ObjectStore) Fetch(ctx context.Context, key string) (*Document, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyObjectErr(key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, classifyObjectErr(key, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, reckon.Transient(fmt.Errorf("read object %s: %w", key, err))
	}
	return &Document{Key: key, ContentType: info.ContentType, Content: data}, nil
}

// Put uploads data under key, creating the bucket on first use.
func (s *ObjectStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "", reckon.Transient(fmt.Errorf("check bucket %s: %w", s.bucket, err))
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", reckon.Transient(fmt.Errorf("create bucket %s: %w", s.bucket, err))
		}
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", reckon.Transient(fmt.Errorf("put object %s: %w", key, err))
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func classifyObjectErr(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied":
		return reckon.Fatal(fmt.Errorf("fetch object %s: %w", key, err))
	}
	return reckon.Transient(fmt.Errorf("fetch object %s: %w", key, err))
}
