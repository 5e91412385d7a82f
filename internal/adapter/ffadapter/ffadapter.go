// Package ffadapter 用 ffmpeg 实现采集源和编码器
package ffadapter

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/gowvp/caprid/internal/core/buffer"
	"github.com/gowvp/caprid/internal/core/capture"
	"github.com/gowvp/caprid/internal/core/clip"
	"github.com/gowvp/caprid/pkg/ffwork"
)

var (
	_ capture.Source = (*Source)(nil)
	_ clip.Encoder   = (*Encoder)(nil)
)

// Source 一次 ffmpeg 拉流会话
type Source struct {
	fc *ffwork.FrameCapture
}

// NewDialer 每次重连都启动新的 ffmpeg 进程
func NewDialer(cfg ffwork.Config) capture.Dialer {
	return func(ctx context.Context) (capture.Source, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fc, err := ffwork.NewFrameCapture(cfg)
		if err != nil {
			return nil, err
		}
		return &Source{fc: fc}, nil
	}
}

func (s *Source) Start() error {
	return s.fc.Start()
}

func (s *Source) Next(timeout time.Duration) (*capture.Frame, error) {
	f, err := s.fc.GetFrame(timeout)
	if err != nil {
		if errors.Is(err, ffwork.ErrTimeout) {
			return nil, capture.ErrSourceStall
		}
		return nil, err
	}
	return &capture.Frame{CapturedAt: f.Timestamp, Data: f.Data, Release: s.fc.Recycle}, nil
}

func (s *Source) Stop() error {
	err := s.fc.Stop()
	if lines := s.fc.Log(); len(lines) > 0 {
		slog.Debug("ffmpeg capture log", "tail", lines[len(lines)-1], "lines", len(lines))
	}
	return err
}

// Encoder 输出 mp4，帧时长超过一帧间隔时重复写入该帧，保持片段时长
type Encoder struct {
	enc     *ffwork.Encoder
	nominal time.Duration
}

func NewEncoder(cfg ffwork.EncoderConfig) (*Encoder, error) {
	enc, err := ffwork.NewEncoder(cfg)
	if err != nil {
		return nil, err
	}
	return &Encoder{enc: enc, nominal: time.Second / time.Duration(cfg.FPS)}, nil
}

func (e *Encoder) Ext() string { return "mp4" }

func (e *Encoder) Create(ctx context.Context, path string, meta clip.Meta) (clip.FrameWriter, error) {
	s, err := e.enc.Start(ctx, path)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "ffmpeg encode started", "recording_id", meta.RecordingID, "frames", meta.Frames, "path", path)
	return &frameWriter{s: s, nominal: e.nominal}, nil
}

type frameWriter struct {
	s       *ffwork.EncodeSession
	nominal time.Duration
}

// repeats 帧时长折算成输出帧数，至少一帧
func (w *frameWriter) repeats(d time.Duration) int {
	n := int(math.Round(float64(d) / float64(w.nominal)))
	return max(n, 1)
}

func (w *frameWriter) WriteFrame(ref buffer.FrameRef, data []byte) error {
	for range w.repeats(ref.Duration) {
		if err := w.s.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func (w *frameWriter) Close() error {
	return w.s.Close()
}

func (w *frameWriter) Abort() {
	w.s.Abort()
}
