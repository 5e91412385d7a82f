// Package archive 将截取的片段上传到远端存储
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"
)

var (
	// ErrUploadTransient 网络抖动、限流等可重试错误
	ErrUploadTransient = errors.New("archive: transient upload failure")
	// ErrUploadPermanent 鉴权失败、bucket 不存在等不可重试错误
	ErrUploadPermanent = errors.New("archive: permanent upload failure")
)

// Uploader 远端存储，返回对象地址
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) (string, error)
}

// Exporter 带退避重试的上传，不删除本地文件
type Exporter struct {
	uploader       Uploader
	prefix         string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type Option func(*Exporter)

// WithPrefix 对象 key 前缀
func WithPrefix(prefix string) Option {
	return func(e *Exporter) {
		e.prefix = prefix
	}
}

func WithRetry(maxAttempts int, initial, max time.Duration) Option {
	return func(e *Exporter) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if initial > 0 {
			e.initialBackoff = initial
		}
		if max > 0 {
			e.maxBackoff = max
		}
	}
}

func NewExporter(up Uploader, opts ...Option) *Exporter {
	e := Exporter{
		uploader:       up,
		prefix:         "buffer-captures",
		maxAttempts:    5,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return &e
}

// Key 对象 key: <prefix>/<文件名>
func (e *Exporter) Key(file string) string {
	return path.Join(e.prefix, filepath.Base(file))
}

func (e *Exporter) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return e.maxBackoff
	}
	return min(e.initialBackoff*time.Duration(1<<uint(attempt-1)), e.maxBackoff)
}

// Export 上传文件，只重试 ErrUploadTransient
func (e *Exporter) Export(ctx context.Context, file string) (string, error) {
	key := e.Key(file)
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		var ref string
		ref, err = e.upload(ctx, key, file)
		if err == nil {
			slog.InfoContext(ctx, "clip uploaded", "path", file, "ref", ref, "attempt", attempt)
			return ref, nil
		}
		if !errors.Is(err, ErrUploadTransient) || attempt == e.maxAttempts {
			break
		}

		delay := e.backoff(attempt)
		slog.WarnContext(ctx, "upload failed, retrying", "path", file, "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("upload %s: %w", key, ctx.Err())
		}
	}
	return "", fmt.Errorf("upload %s: %w", key, err)
}

func (e *Exporter) upload(ctx context.Context, key, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadPermanent, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadPermanent, err)
	}
	return e.uploader.Upload(ctx, key, f, fi.Size())
}
