package source

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// オブジェクトストレージ上のファイル
type S3 struct {
	client *minio.Client
	bucket string
	key    string

	mu   sync.Mutex
	size int64
}

func NewS3(client *minio.Client, bucket, key string) *S3 {
	return &S3{client: client, bucket: bucket, key: key, size: -1}
}

func DialS3(opts S3Options, bucket, key string) (*S3, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client for %s: %w", opts.Endpoint, err)
	}
	return NewS3(client, bucket, key), nil
}

func (s *S3) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, fmt.Errorf("failed to set range: %w", err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, s.key, err)
	}
	if int64(len(body)) != length {
		return nil, fmt.Errorf("short range of s3://%s/%s: got %d bytes, want %d: %w", s.bucket, s.key, len(body), length, io.ErrUnexpectedEOF)
	}

	return body, nil
}

func (s *S3) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size >= 0 {
		return s.size, nil
	}

	info, err := s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to stat s3://%s/%s: %w", s.bucket, s.key, err)
	}

	s.size = info.Size
	return s.size, nil
}

func (s *S3) Close() error {
	return nil
}
