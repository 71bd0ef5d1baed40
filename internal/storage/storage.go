// Package storage keeps uploaded spatial files for the lifetime of their
// execution and, when requested, beyond it.
//
// Keys are slash-separated ("<execution id>/<file name>"). Workers that do
// not share a filesystem with the API fetch their inputs by key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("stored file not found")

// Store is a keyed file store.
type Store interface {
	Name() string
	PutFile(ctx context.Context, key, src string) error
	GetFile(ctx context.Context, key, dst string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Key joins key segments.
func Key(parts ...string) string {
	return path.Join(parts...)
}

func validKey(key string) error {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return fmt.Errorf("invalid storage key %q", key)
	}
	return nil
}

// Local stores files below a root directory.
type Local struct {
	root string
}

// NewLocal creates a Local store, creating root if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) Name() string { return "local" }

// Path returns the filesystem path of key.
func (l *Local) Path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *Local) PutFile(_ context.Context, key, src string) error {
	if err := validKey(key); err != nil {
		return err
	}
	dst := l.Path(key)
	if dst == src {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(src, dst)
}

func (l *Local) GetFile(_ context.Context, key, dst string) error {
	if err := validKey(key); err != nil {
		return err
	}
	src := l.Path(key)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(src, dst)
}

func (l *Local) DeletePrefix(_ context.Context, prefix string) error {
	if err := validKey(prefix); err != nil {
		return err
	}
	return os.RemoveAll(l.Path(prefix))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// MinIOConfig configures an S3-compatible store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIO stores files as objects in one bucket.
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects to the endpoint and creates the bucket if missing.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "geoimport-uploads"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinIO{client: client, bucket: bucket}, nil
}

func (m *MinIO) Name() string { return "minio" }

func (m *MinIO) PutFile(ctx context.Context, key, src string) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := m.client.FPutObject(ctx, m.bucket, key, src, minio.PutObjectOptions{})
	return err
}

func (m *MinIO) GetFile(ctx context.Context, key, dst string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := m.client.FGetObject(ctx, m.bucket, key, dst, minio.GetObjectOptions{})
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}

func (m *MinIO) DeletePrefix(ctx context.Context, prefix string) error {
	if err := validKey(prefix); err != nil {
		return err
	}
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    strings.TrimSuffix(prefix, "/") + "/",
		Recursive: true,
	})
	var first error
	for rerr := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
		if first == nil {
			first = fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	return first
}
