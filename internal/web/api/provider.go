package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"
	"github.com/gowvp/caprid/internal/adapter/ffadapter"
	"github.com/gowvp/caprid/internal/conf"
	"github.com/gowvp/caprid/internal/core/archive"
	"github.com/gowvp/caprid/internal/core/buffer"
	"github.com/gowvp/caprid/internal/core/capture"
	"github.com/gowvp/caprid/internal/core/clip"
	"github.com/gowvp/caprid/internal/core/recording"
	"github.com/gowvp/caprid/internal/core/recording/adapter"
	"github.com/gowvp/caprid/internal/core/recording/store/recordingdb"
	"github.com/gowvp/caprid/pkg/ffwork"
	"github.com/ixugo/goddd/pkg/orm"
	"github.com/ixugo/goddd/pkg/system"
	"gorm.io/gorm"
)

var ProviderSet = wire.NewSet(
	wire.Struct(new(Usecase), "*"),
	NewHTTPHandler,
	NewBufferStore, NewRetention, NewCaptureLoop,
	NewEncoder, NewExporter, NewClipEngine,
	NewRecordingStore, NewRecordingCore,
	NewBufferAPI, NewClipAPI, NewRecordingAPI,
)

type Usecase struct {
	Conf      *conf.Bootstrap
	DB        *gorm.DB
	Store     buffer.Store
	Retention *buffer.Retention
	Capture   *capture.Loop
	Engine    *clip.Engine
	Recording recording.Core

	BufferAPI    BufferAPI
	ClipAPI      ClipAPI
	RecordingAPI RecordingAPI
}

// NewHTTPHandler 生成Gin框架路由内容
func NewHTTPHandler(uc *Usecase) http.Handler {
	cfg := uc.Conf.Server
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	g := gin.New()
	setupRouter(g, uc)
	return g
}

// AbsPath 相对路径基于工作目录
func AbsPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(system.Getwd(), p)
}

// NewBufferStore 按配置创建内存或磁盘缓冲区，模式和窗口只在启动时生效
func NewBufferStore(bc *conf.Bootstrap) (buffer.Store, func(), error) {
	b := bc.Buffer
	var store buffer.Store
	switch b.Mode {
	case conf.BufferModeMemory:
		capacity := buffer.MemoryCapacity(b.Window(), bc.Capture.FPS, b.Headroom)
		store = buffer.NewMemoryStore(capacity)
		slog.Info("memory buffer ready", "capacity", capacity, "window", b.Window())
	case conf.BufferModeDisk:
		ds, err := buffer.OpenDiskStore(AbsPath(b.Dir), buffer.WithChunkDuration(b.Chunk()))
		if err != nil {
			return nil, nil, fmt.Errorf("open buffer dir: %w", err)
		}
		if w, ok := ds.Window(); ok {
			slog.Info("disk buffer recovered", "dir", ds.Dir(), "start", w.Start, "end", w.End)
		}
		store = ds
	default:
		return nil, nil, fmt.Errorf("unknown buffer mode %q", b.Mode)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			slog.Error("close buffer", "err", err)
		}
	}, nil
}

func NewRetention(bc *conf.Bootstrap, store buffer.Store) *buffer.Retention {
	b := bc.Buffer
	opts := []buffer.RetentionOption{
		buffer.WithGrace(b.Grace()),
		buffer.WithSweepInterval(b.SweepInterval.Duration()),
	}
	if b.Mode == conf.BufferModeDisk && b.DiskUsageThreshold > 0 {
		opts = append(opts, buffer.WithDiskGuard(AbsPath(b.Dir), b.DiskUsageThreshold))
	}
	return buffer.NewRetention(store, b.Window(), opts...)
}

func NewCaptureLoop(bc *conf.Bootstrap, store buffer.Store, ret *buffer.Retention) *capture.Loop {
	c := bc.Capture
	dial := ffadapter.NewDialer(ffwork.Config{
		Width:        c.Width,
		Height:       c.Height,
		FPS:          c.FPS,
		RTSPURL:      c.RTSPURL,
		Transport:    c.Transport,
		UseWallClock: c.UseWallClock,
		HWAccel:      c.HWAccel,
		Name:         "camera",
	})
	return capture.NewLoop(dial, store,
		capture.WithRetention(ret),
		capture.WithFPS(c.FPS),
		capture.WithStallTimeout(c.StallTimeout.Duration()),
		capture.WithGapTolerance(bc.Buffer.GapTolerance.Duration()),
		capture.WithReconnect(capture.ReconnectConfig{
			RetryDelay:    c.RetryDelay.Duration(),
			MaxRetryDelay: c.MaxRetryDelay.Duration(),
		}),
	)
}

// NewEncoder ffmpeg 输出 mp4，record 输出原始帧容器
func NewEncoder(bc *conf.Bootstrap) (clip.Encoder, error) {
	e := bc.Extract.Encoder
	if e.Kind == conf.EncoderRecord {
		return clip.RecordEncoder{}, nil
	}
	return ffadapter.NewEncoder(ffwork.EncoderConfig{
		Width:  bc.Capture.Width,
		Height: bc.Capture.Height,
		FPS:    bc.Capture.FPS,
		Codec:  e.Codec,
		Preset: e.Preset,
		CRF:    e.CRF,
	})
}

// NewExporter 未开启归档时返回 nil
func NewExporter(bc *conf.Bootstrap) (*archive.Exporter, func(), error) {
	a := bc.Archive
	if !a.Enabled {
		return nil, func() {}, nil
	}

	var (
		up      archive.Uploader
		cleanup = func() {}
	)
	switch a.Provider {
	case conf.ArchiveGCS:
		g, err := archive.NewGCSUploader(context.Background(), a.Bucket, a.Credentials)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs uploader: %w", err)
		}
		up = g
		cleanup = func() { _ = g.Close() }
	case conf.ArchiveDir:
		d, err := archive.NewDirUploader(AbsPath(a.Dir))
		if err != nil {
			return nil, nil, err
		}
		up = d
	default:
		return nil, nil, fmt.Errorf("unknown archive provider %q", a.Provider)
	}
	slog.Info("archive enabled", "provider", a.Provider, "prefix", a.Prefix, "auto_upload", a.AutoUpload)
	return archive.NewExporter(up,
		archive.WithPrefix(a.Prefix),
		archive.WithRetry(a.MaxAttempts, a.InitialBackoff.Duration(), a.MaxBackoff.Duration()),
	), cleanup, nil
}

func NewRecordingStore(db *gorm.DB) recording.Storer {
	return recordingdb.NewDB(db).AutoMigrate(orm.GetEnabledAutoMigrate())
}

func NewRecordingCore(store recording.Storer, bc *conf.Bootstrap, x *archive.Exporter) recording.Core {
	opts := []recording.Option{
		recording.WithConfig(&bc.Server.Recording),
		recording.WithOutputDir(AbsPath(bc.Extract.OutputDir)),
	}
	if x != nil {
		opts = append(opts, recording.WithExporter(x))
	}
	return recording.NewCore(store, opts...)
}

func NewClipEngine(bc *conf.Bootstrap, store buffer.Store, enc clip.Encoder, core recording.Core, x *archive.Exporter) (*clip.Engine, error) {
	e := bc.Extract
	policy, err := clip.ParsePolicy(e.PartialPolicy)
	if err != nil {
		return nil, err
	}
	opts := []clip.Option{
		clip.WithPolicy(policy),
		clip.WithAllowEmpty(e.AllowEmpty),
		clip.WithGapTolerance(bc.Buffer.GapTolerance.Duration()),
		clip.WithOutputDir(AbsPath(e.OutputDir)),
		clip.WithTimeout(e.Timeout.Duration()),
		clip.WithConcurrency(e.Concurrency),
		clip.WithEventDuration(time.Duration(e.EventSeconds) * time.Second),
		clip.WithFutureWait(e.FutureWait.Duration()),
	}
	if r := adapter.NewClipRecorder(core); r != nil {
		opts = append(opts, clip.WithRecorder(r))
	}
	if x != nil {
		opts = append(opts, clip.WithExporter(x, bc.Archive.AutoUpload))
	}
	return clip.NewEngine(store, enc, opts...), nil
}
