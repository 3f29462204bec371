package output

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
)

// Store holds original uploads and generated artifacts under slash-separated keys.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, cfg common.StorageConfig, logger *zap.SugaredLogger) (Store, error) {
	switch cfg.Backend {
	case "minio":
		return NewMinioStore(ctx, cfg, logger)
	case "", "fs":
		return NewFSStore(cfg.RootDir)
	}
	return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown storage backend %q", cfg.Backend), nil)
}

func cleanKey(key string) (string, error) {
	k := strings.TrimLeft(key, "/")
	if k == "" {
		return "", fmt.Errorf("%w: empty object key", common.ErrInvalidInput)
	}
	for _, part := range strings.Split(k, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: object key %q escapes the store", common.ErrInvalidInput, key)
		}
	}
	return k, nil
}

// FSStore keeps objects as files below a root directory.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		root = "."
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, common.StorageError("create store root", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(k)), nil
}

func (s *FSStore) Put(ctx context.Context, key, _ string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return common.StorageError("create object dir", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return common.StorageError("write object", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return common.StorageError("commit object", err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: object %s", common.ErrNotFound, key)
	}
	if err != nil {
		return nil, common.StorageError("read object", err)
	}
	return data, nil
}

// MinioStore keeps objects in one S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *zap.SugaredLogger
}

// NewMinioStore connects and makes sure the bucket exists.
func NewMinioStore(ctx context.Context, cfg common.StorageConfig, logger *zap.SugaredLogger) (*MinioStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, common.NewAppError("CONFIG_ERROR", "storage.endpoint and storage.bucket are required for minio", nil)
	}

	endpoint, secure := cfg.Endpoint, cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = secure || u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, common.StorageError("create minio client", err)
	}

	s := &MinioStore{client: client, bucket: cfg.Bucket, logger: logger}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	logger.Infow("storage.minio.ready", "endpoint", endpoint, "bucket", cfg.Bucket)
	return s, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return common.StorageError("check bucket", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return common.StorageError("create bucket "+s.bucket, err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, s.bucket, k, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return s.classify("put object", err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, k, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify("get object", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.classify("read object", err)
	}
	return data, nil
}

func (s *MinioStore) classify(op string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return fmt.Errorf("%w: %s: %v", common.ErrNotFound, op, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
		return common.NewAppError(common.CodeStorageUnavailable, op, err)
	}
	return common.StorageError(op, err)
}
