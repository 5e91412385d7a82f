package recording

import (
	"context"
	"path/filepath"

	"github.com/gowvp/caprid/internal/conf"
	"github.com/ixugo/goddd/pkg/system"
	"gorm.io/gorm"
)

// Storer data persistence
type Storer interface {
	Recording() RecordingStorer
}

// Scope 查询条件，对应 gorm 的 Scopes
type Scope = func(*gorm.DB) *gorm.DB

// Where 查询条件
func Where(query string, args ...any) Scope {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	}
}

// OrderBy 排序
func OrderBy(value string) Scope {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order(value)
	}
}

// Exporter 上传片段，由 archive 领域实现
type Exporter interface {
	Export(ctx context.Context, path string) (string, error)
}

// Core business domain
type Core struct {
	store     Storer
	conf      *conf.ServerRecording
	outputDir string
	exporter  Exporter
}

type Option func(*Core)

// WithConfig 注入清理配置
func WithConfig(conf *conf.ServerRecording) Option {
	return func(c *Core) {
		c.conf = conf
	}
}

// WithOutputDir 片段输出目录，清理和相对路径都基于该目录
func WithOutputDir(dir string) Option {
	return func(c *Core) {
		c.outputDir = dir
	}
}

// WithExporter 注入上传能力，用于补传
func WithExporter(e Exporter) Option {
	return func(c *Core) {
		c.exporter = e
	}
}

// NewCore create business domain
func NewCore(store Storer, opts ...Option) Core {
	c := Core{store: store, outputDir: "./clips"}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// IsEnabled 使用反转逻辑：Disabled=false 表示记录片段
func (c Core) IsEnabled() bool {
	return c.conf == nil || !c.conf.Disabled
}

// GetFullPath 片段文件的绝对路径
func (c Core) GetFullPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(system.Getwd(), path)
}

func (c Core) absOutputDir() string {
	return c.GetFullPath(c.outputDir)
}
