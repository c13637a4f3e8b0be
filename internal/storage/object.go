package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ObjectConfig is the subset of the process config the object store needs.
type ObjectConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ObjectStore uploads user files (avatars, event images) to an S3 compatible
// bucket and hands back a public URL.
type ObjectStore struct {
	client *minio.Client
	base   *url.URL
	region string
	logger *zap.Logger
}

func NewObjectStore(cfg ObjectConfig, logger *zap.Logger) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}

	return &ObjectStore{
		client: client,
		base:   client.EndpointURL(),
		region: cfg.Region,
		logger: logger,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *ObjectStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	s.logger.Info("created object bucket", zap.String("bucket", bucket))
	return nil
}

// Upload stores data at bucket/objectPath, replacing any existing object.
func (s *ObjectStore) Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error) {
	objectPath, err := CleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, bucket, objectPath, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", bucket, objectPath, err)
	}
	return PublicURL(s.base, bucket, objectPath), nil
}

// CleanObjectPath normalizes a key and rejects ones that escape the bucket.
func CleanObjectPath(p string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(p))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("empty object path")
	}
	if strings.Contains(p, "..") {
		return "", fmt.Errorf("object path %q escapes bucket", p)
	}
	return cleaned, nil
}

// PublicURL is the path-style URL of an object.
func PublicURL(base *url.URL, bucket, objectPath string) string {
	u := *base
	u.Path = path.Join("/", bucket, objectPath)
	return u.String()
}
