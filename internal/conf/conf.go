package conf

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	BufferModeMemory = "memory"
	BufferModeDisk   = "disk"

	PolicyClamp  = "clamp"
	PolicyStrict = "strict"

	EncoderFFmpeg = "ffmpeg"
	EncoderRecord = "record"

	ArchiveGCS = "gcs"
	ArchiveDir = "dir"
)

// DefaultConfig 默认配置
func DefaultConfig() Bootstrap {
	return Bootstrap{
		Server: Server{
			HTTP: ServerHTTP{
				Port:    15123,
				Timeout: Duration(60 * time.Second),
			},
			Recording: ServerRecording{
				RetainDays:         7,
				DiskUsageThreshold: 95,
			},
		},
		Log: Log{
			Dir:          "./logs",
			Level:        "info",
			MaxAge:       Duration(7 * 24 * time.Hour),
			RotationTime: Duration(12 * time.Hour),
		},
		Data: Data{
			Database: Database{
				Dsn:             "./configs/data.db",
				MaxIdleConns:    10,
				MaxOpenConns:    50,
				ConnMaxLifetime: Duration(6 * time.Hour),
				SlowThreshold:   Duration(200 * time.Millisecond),
			},
		},
		Capture: Capture{
			Transport:     "tcp",
			Width:         1280,
			Height:        720,
			FPS:           15,
			UseWallClock:  true,
			StallTimeout:  Duration(10 * time.Second),
			RetryDelay:    Duration(time.Second),
			MaxRetryDelay: Duration(30 * time.Second),
		},
		Buffer: Buffer{
			Mode:          BufferModeDisk,
			WindowSeconds: 120,
			GraceSeconds:  5,
			ChunkSeconds:  10,
			Dir:           "./buffer",
			Headroom:      0.25,
			SweepInterval: Duration(5 * time.Second),
			GapTolerance:  Duration(time.Second),
		},
		Extract: Extract{
			OutputDir:     "./clips",
			EventSeconds:  10,
			FutureWait:    Duration(10 * time.Second),
			PartialPolicy: PolicyClamp,
			Timeout:       Duration(2 * time.Minute),
			Concurrency:   4,
			Encoder: Encoder{
				Kind:   EncoderFFmpeg,
				Codec:  "libx264",
				Preset: "veryfast",
				CRF:    23,
			},
		},
		Archive: Archive{
			Provider:       ArchiveGCS,
			Bucket:         "caprid-videos-demo",
			Prefix:         "buffer-captures",
			MaxAttempts:    5,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
		},
	}
}

// SetupConfig 加载配置文件，文件不存在时写入默认配置
func SetupConfig(path string) (Bootstrap, error) {
	cfg := DefaultConfig()
	cfg.ConfigPath = path
	cfg.ConfigDir = filepath.Dir(path)

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := WriteConfig(&cfg, path); err != nil {
			return cfg, err
		}
		return cfg, cfg.Validate()
	}
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// WriteConfig 将配置写回文件
func WriteConfig(cfg *Bootstrap, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Validate 检查配置取值，非法配置启动时直接失败
func (c *Bootstrap) Validate() error {
	b := c.Buffer
	switch b.Mode {
	case BufferModeMemory, BufferModeDisk:
	default:
		return fmt.Errorf("buffer.mode must be memory or disk, got %q", b.Mode)
	}
	if b.WindowSeconds <= 0 {
		return fmt.Errorf("buffer.window_seconds must be positive")
	}
	if b.GraceSeconds < 0 {
		return fmt.Errorf("buffer.grace_seconds must not be negative")
	}
	if b.Mode == BufferModeDisk {
		if b.ChunkSeconds <= 0 || b.ChunkSeconds > b.WindowSeconds {
			return fmt.Errorf("buffer.chunk_seconds must be in (0, window_seconds]")
		}
		if b.Dir == "" {
			return fmt.Errorf("buffer.dir is required in disk mode")
		}
	}
	if b.Headroom < 0 {
		return fmt.Errorf("buffer.headroom must not be negative")
	}
	if c.Capture.FPS <= 0 {
		return fmt.Errorf("capture.fps must be positive")
	}

	e := c.Extract
	switch e.PartialPolicy {
	case PolicyClamp, PolicyStrict:
	default:
		return fmt.Errorf("extract.partial_policy must be clamp or strict, got %q", e.PartialPolicy)
	}
	switch e.Encoder.Kind {
	case EncoderFFmpeg, EncoderRecord:
	default:
		return fmt.Errorf("extract.encoder.kind must be ffmpeg or record, got %q", e.Encoder.Kind)
	}
	if e.Concurrency <= 0 {
		return fmt.Errorf("extract.concurrency must be positive")
	}

	if a := c.Archive; a.Enabled {
		switch a.Provider {
		case ArchiveGCS:
			if a.Bucket == "" {
				return fmt.Errorf("archive.bucket is required for gcs")
			}
		case ArchiveDir:
			if a.Dir == "" {
				return fmt.Errorf("archive.dir is required for dir provider")
			}
		default:
			return fmt.Errorf("archive.provider must be gcs or dir, got %q", a.Provider)
		}
		if a.MaxAttempts <= 0 {
			return fmt.Errorf("archive.max_attempts must be positive")
		}
	}
	return nil
}
