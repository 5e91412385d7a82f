package app

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gowvp/caprid/internal/conf"
	"github.com/ixugo/goddd/pkg/system"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

// SetupLog 日志同时写入控制台和按周期切割的文件，返回关闭函数
func SetupLog(bc *conf.Bootstrap) (*slog.Logger, func(), error) {
	cfg := bc.Log
	dir := cfg.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(system.Getwd(), dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}

	rl, err := rotatelogs.New(
		filepath.Join(dir, "caprid_%Y%m%d%H%M.log"),
		rotatelogs.WithLinkName(filepath.Join(dir, "caprid.log")),
		rotatelogs.WithMaxAge(cfg.MaxAge.Duration()),
		rotatelogs.WithRotationTime(cfg.RotationTime.Duration()),
	)
	if err != nil {
		return nil, nil, err
	}

	w := io.MultiWriter(os.Stdout, rl)
	opts := slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if bc.Debug || bc.Server.Debug {
		opts.AddSource = true
		h = slog.NewTextHandler(w, &opts)
	} else {
		h = slog.NewJSONHandler(w, &opts)
	}
	log := slog.New(h)
	slog.SetDefault(log)
	return log, func() { _ = rl.Close() }, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
