package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSUploader 上传到 Google Cloud Storage
type GCSUploader struct {
	client *storage.Client
	bucket string
}

var _ Uploader = (*GCSUploader)(nil)

// NewGCSUploader credentials 为空时使用默认凭据
func NewGCSUploader(ctx context.Context, bucket, credentials string) (*GCSUploader, error) {
	var opts []option.ClientOption
	if credentials != "" {
		opts = append(opts, option.WithCredentialsFile(credentials))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUploadPermanent, err)
	}
	return &GCSUploader{client: client, bucket: bucket}, nil
}

func (g *GCSUploader) Upload(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType(key)
	if size > 0 && size < int64(w.ChunkSize) {
		// 小文件一次请求上传
		w.ChunkSize = 0
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", classify(err)
	}
	if err := w.Close(); err != nil {
		return "", classify(err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key), nil
}

func (g *GCSUploader) Close() error {
	return g.client.Close()
}

// classify 401/403/404 和 bucket 不存在不重试，其余视为可重试
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %w", ErrUploadPermanent, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			return fmt.Errorf("%w: %w", ErrUploadPermanent, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrUploadTransient, err)
}
