package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/pkg/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/crypto/blake2b"
)

// ErrBlobNotFound is returned by Load and Delete when the handle does not
// reference a stored blob. Any other error is a transient I/O failure.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore keeps job artifacts. A handle is only returned once the blob is
// completely written, and blobs are never modified in place.
type BlobStore interface {
	Save(ctx context.Context, localFile string) (string, error)
	Load(ctx context.Context, handle, localFile string) error
	Delete(ctx context.Context, handle string) error
}

// NewBlobStore builds the store selected by cfg.Driver.
func NewBlobStore(ctx context.Context, cfg *config.BlobConfig) (BlobStore, error) {
	switch cfg.Driver {
	case "file", "":
		return NewFileBlobStore(cfg.Dir)
	case "s3":
		return NewS3BlobStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported blob driver: %s", cfg.Driver)
	}
}

// Handles look like "<uuid>.<digest>", the digest being the first 16 hex
// characters of the BLAKE2b-256 sum of the content.
var handlePattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.[0-9a-f]{16}$`)

const digestLen = 16

func newHandle(digest string) string {
	return uuid.NewString() + "." + digest[:digestLen]
}

func handleDigest(handle string) (string, error) {
	if !handlePattern.MatchString(handle) {
		return "", fmt.Errorf("invalid blob handle %q", handle)
	}
	return handle[strings.LastIndexByte(handle, '.')+1:], nil
}

func newDigest() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := newDigest()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func verifyDigest(handle, path string) error {
	want, err := handleDigest(handle)
	if err != nil {
		return err
	}
	got, err := fileDigest(path)
	if err != nil {
		return err
	}
	if got[:digestLen] != want {
		return fmt.Errorf("blob %s is corrupted: digest %s", handle, got[:digestLen])
	}
	return nil
}

// FileBlobStore keeps blobs as files in one directory.
type FileBlobStore struct {
	dir string
}

func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (s *FileBlobStore) Save(ctx context.Context, localFile string) (string, error) {
	src, err := os.Open(localFile)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h := newDigest()
	if _, err := io.Copy(io.MultiWriter(tmp, h), src); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	handle := newHandle(hex.EncodeToString(h.Sum(nil)))
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, handle)); err != nil {
		return "", err
	}
	logger.Debug().Str("handle", handle).Msg("[BlobStore] Saved")
	return handle, nil
}

func (s *FileBlobStore) Load(ctx context.Context, handle, localFile string) error {
	if _, err := handleDigest(handle); err != nil {
		return err
	}
	src, err := os.Open(filepath.Join(s.dir, handle))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, handle)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(localFile)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return verifyDigest(handle, localFile)
}

func (s *FileBlobStore) Delete(ctx context.Context, handle string) error {
	if _, err := handleDigest(handle); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, handle))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, handle)
	}
	return err
}

// S3BlobStore keeps blobs as objects in an S3-compatible bucket.
type S3BlobStore struct {
	client *minio.Client
	bucket string
}

func NewS3BlobStore(ctx context.Context, cfg *config.BlobConfig) (*S3BlobStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		logger.Infof("[BlobStore] Created bucket %s", bucket)
	}
	return &S3BlobStore{client: client, bucket: bucket}, nil
}

func (s *S3BlobStore) Save(ctx context.Context, localFile string) (string, error) {
	digest, err := fileDigest(localFile)
	if err != nil {
		return "", err
	}
	handle := newHandle(digest)
	_, err = s.client.FPutObject(ctx, s.bucket, handle, localFile, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", handle, err)
	}
	return handle, nil
}

func (s *S3BlobStore) Load(ctx context.Context, handle, localFile string) error {
	if _, err := handleDigest(handle); err != nil {
		return err
	}
	err := s.client.FGetObject(ctx, s.bucket, handle, localFile, minio.GetObjectOptions{})
	if isNoSuchKey(err) {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, handle)
	}
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", handle, err)
	}
	return verifyDigest(handle, localFile)
}

func (s *S3BlobStore) Delete(ctx context.Context, handle string) error {
	if _, err := handleDigest(handle); err != nil {
		return err
	}
	// RemoveObject succeeds on absent keys, so absence is detected first.
	_, err := s.client.StatObject(ctx, s.bucket, handle, minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, handle)
	}
	if err != nil {
		return err
	}
	return s.client.RemoveObject(ctx, s.bucket, handle, minio.RemoveObjectOptions{})
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
