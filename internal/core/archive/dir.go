package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// DirUploader 复制到挂载目录，例如 NFS 或同步盘
type DirUploader struct {
	root string
}

var _ Uploader = (*DirUploader)(nil)

func NewDirUploader(root string) (*DirUploader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &DirUploader{root: abs}, nil
}

func (d *DirUploader) Upload(ctx context.Context, key string, r io.Reader, _ int64) (string, error) {
	dst := filepath.Join(d.root, filepath.FromSlash(key))
	if !strings.HasPrefix(dst, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key %q escapes %s", ErrUploadPermanent, key, d.root)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", classifyFS(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", classifyFS(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyFS(err)
	}
	if err := errors.Join(tmp.Sync(), tmp.Close()); err != nil {
		return "", classifyFS(err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", classifyFS(err)
	}
	return "file://" + filepath.ToSlash(dst), nil
}

// classifyFS 权限问题不重试，空间不足等待清理后可能恢复
func classifyFS(err error) error {
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EROFS) {
		return fmt.Errorf("%w: %w", ErrUploadPermanent, err)
	}
	return fmt.Errorf("%w: %w", ErrUploadTransient, err)
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func contentType(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	default:
		return "application/octet-stream"
	}
}
