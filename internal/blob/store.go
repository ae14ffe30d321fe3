// Package blob stages anonymized payloads in S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrForeignURL  = errors.New("blob url does not belong to this store")
	ErrInvalidPath = errors.New("invalid blob path")
)

// DataPath is the staging location of one upload:
// {provider}-data/{accountId}/{YYYY-MM-DD}/data.json.
func DataPath(provider export.Provider, accountID string, at time.Time) string {
	return fmt.Sprintf("%s-data/%s/%s/data.json", provider, accountID, at.UTC().Format(time.DateOnly))
}

type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New connects to an S3-compatible endpoint. publicURL is the base under
// which stored objects are addressed, typically "<scheme>://<endpoint>/<bucket>".
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool, publicURL string) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket)
	}
	return &Store{client: client, bucket: bucket, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Put writes data under key and returns its URL. Writing the same key twice
// overwrites the earlier object.
func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return s.URL(key), nil
}

// PresignPut returns a URL the holder can PUT data to for ttl, and the URL
// the object will be addressed by afterwards.
func (s *Store) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, string, error) {
	if err := validKey(key); err != nil {
		return "", "", err
	}
	upload, err := s.client.PresignedPutObject(ctx, s.bucket, key, ttl)
	if err != nil {
		return "", "", fmt.Errorf("presign %s: %w", key, err)
	}
	return upload.String(), s.URL(key), nil
}

// Get reads a staged object by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

// GetURL reads an object addressed by a URL previously returned from Put.
func (s *Store) GetURL(ctx context.Context, rawURL string) ([]byte, error) {
	key, err := s.PathFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

func (s *Store) URL(key string) string {
	return s.publicURL + "/" + key
}

// PathFromURL maps a URL back to its object key. URLs outside the store's
// public base are rejected so clients cannot point commits at arbitrary hosts.
func (s *Store) PathFromURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrForeignURL, err)
	}
	base, err := url.Parse(s.publicURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != base.Scheme || parsed.Host != base.Host {
		return "", ErrForeignURL
	}
	prefix := strings.TrimRight(base.Path, "/") + "/"
	if !strings.HasPrefix(parsed.Path, prefix) {
		return "", ErrForeignURL
	}
	key := strings.TrimPrefix(parsed.Path, prefix)
	if err := validKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidPath, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." || segment == "." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, key)
		}
	}
	return nil
}

func translate(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNotFound
	}
	return err
}
