// Package capture 采集循环：从摄像头读取帧写入滚动缓冲区
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gowvp/caprid/internal/core/buffer"
)

// ErrSourceStall 超过 stall timeout 没有收到帧
var ErrSourceStall = errors.New("capture: source stalled")

// Frame 摄像头输出的一帧
type Frame struct {
	CapturedAt time.Time
	Data       []byte
	// Release 帧数据不再使用时回调，可为 nil
	Release func([]byte)
}

// Source 一次摄像头会话
type Source interface {
	Start() error
	// Next 等待下一帧，超时返回 ErrSourceStall
	Next(timeout time.Duration) (*Frame, error)
	Stop() error
}

// Dialer 建立新的摄像头会话，重连时每次调用一次
type Dialer func(ctx context.Context) (Source, error)

// ReconnectConfig 指数退避重连
type ReconnectConfig struct {
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// MaxRetries 连续失败次数上限，0 表示一直重试
	MaxRetries int
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// backoff delay = RetryDelay * 2^(attempt-1)，不超过 MaxRetryDelay
func (c ReconnectConfig) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return c.MaxRetryDelay
	}
	return min(c.RetryDelay*time.Duration(1<<uint(attempt-1)), c.MaxRetryDelay)
}

// Stats 采集统计
type Stats struct {
	Connected  bool      `json:"connected"`
	Frames     uint64    `json:"frames"`
	Dropped    uint64    `json:"dropped"`
	Reconnects uint64    `json:"reconnects"`
	LastSeq    uint64    `json:"last_seq"`
	LastFrame  time.Time `json:"last_frame"`
}

// Loop 单个长期运行的采集协程
type Loop struct {
	dial         Dialer
	store        buffer.Store
	retention    *buffer.Retention
	nominal      time.Duration
	stallTimeout time.Duration
	gapTolerance time.Duration
	reconnect    ReconnectConfig

	seq  uint64
	prev time.Time

	connected  atomic.Bool
	frames     atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
	lastSeq    atomic.Uint64
	lastFrame  atomic.Int64
}

type Option func(*Loop)

// WithRetention 每次写入后执行窗口清理
func WithRetention(r *buffer.Retention) Option {
	return func(l *Loop) {
		l.retention = r
	}
}

// WithFPS 期望帧率，用于估算帧时长
func WithFPS(fps int) Option {
	return func(l *Loop) {
		if fps > 0 {
			l.nominal = time.Second / time.Duration(fps)
		}
	}
}

func WithStallTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.stallTimeout = d
		}
	}
}

// WithGapTolerance 相邻帧间隔超过该值时帧时长按期望帧率计算，断档在时间轴上保留为空洞
func WithGapTolerance(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.gapTolerance = d
		}
	}
}

func WithReconnect(cfg ReconnectConfig) Option {
	return func(l *Loop) {
		l.reconnect = cfg
	}
}

func NewLoop(dial Dialer, store buffer.Store, opts ...Option) *Loop {
	l := Loop{
		dial:         dial,
		store:        store,
		nominal:      time.Second / 15,
		stallTimeout: 10 * time.Second,
		gapTolerance: time.Second,
		reconnect:    DefaultReconnectConfig(),
	}
	for _, opt := range opts {
		opt(&l)
	}
	return &l
}

// Run 阻塞直到 ctx 结束或存储空间耗尽
// 摄像头断开、超时都会按退避策略重连
func (l *Loop) Run(ctx context.Context) error {
	if head, ok := l.store.Head(); ok {
		l.seq = head.Seq
		l.prev = head.CapturedAt
		slog.InfoContext(ctx, "capture resumes after existing buffer", "seq", l.seq, "last_frame", l.prev)
	}

	var attempt int
	for {
		if ctx.Err() != nil {
			return nil
		}

		got, err := l.connect(ctx)
		if errors.Is(err, buffer.ErrStorageExhausted) {
			slog.ErrorContext(ctx, "capture stopped, storage exhausted", "err", err)
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if got > 0 {
			attempt = 0
		}
		attempt++
		if l.reconnect.MaxRetries > 0 && attempt > l.reconnect.MaxRetries {
			return fmt.Errorf("capture: max retries exceeded (%d attempts): %w", l.reconnect.MaxRetries, err)
		}

		delay := l.reconnect.backoff(attempt)
		l.reconnects.Add(1)
		slog.WarnContext(ctx, "capture session ended, reconnecting",
			"err", err,
			"frames", got,
			"attempt", attempt,
			"delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// connect 一次会话，返回本次写入的帧数
func (l *Loop) connect(ctx context.Context) (int, error) {
	src, err := l.dial(ctx)
	if err != nil {
		return 0, err
	}
	if err := src.Start(); err != nil {
		return 0, err
	}
	// ctx 结束时主动停止，避免阻塞在 Next 上
	stop := context.AfterFunc(ctx, func() { _ = src.Stop() })
	defer func() {
		if stop() {
			_ = src.Stop()
		}
	}()

	l.connected.Store(true)
	defer l.connected.Store(false)
	slog.InfoContext(ctx, "capture session started")

	var n int
	for {
		f, err := src.Next(l.stallTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if errors.Is(err, ErrSourceStall) {
				slog.WarnContext(ctx, "capture source stalled", "timeout", l.stallTimeout, "last_seq", l.seq)
			}
			return n, err
		}
		ok, err := l.ingest(f)
		if err != nil {
			if errors.Is(err, buffer.ErrStorageExhausted) {
				return n, err
			}
			slog.ErrorContext(ctx, "append frame", "seq", l.seq, "err", err)
			continue
		}
		if ok {
			n++
		}
	}
}

// ingest 写入一帧，时间戳倒退的帧直接丢弃
func (l *Loop) ingest(f *Frame) (bool, error) {
	at := f.CapturedAt.Round(0).Truncate(time.Microsecond)
	if l.seq > 0 && at.Before(l.prev) {
		n := l.dropped.Add(1)
		slog.Warn("drop non-monotonic frame", "captured_at", at, "prev", l.prev, "dropped", n)
		if f.Release != nil {
			f.Release(f.Data)
		}
		return false, nil
	}

	d := l.nominal
	if l.seq > 0 {
		if delta := at.Sub(l.prev); delta > 0 && delta <= l.gapTolerance {
			d = delta
		}
	}
	l.seq++
	u := buffer.Unit{
		CapturedAt: at,
		Seq:        l.seq,
		Duration:   d,
		Payload:    buffer.NewPayload(f.Data, f.Release),
	}
	if err := l.store.Append(u); err != nil {
		return false, err
	}
	l.prev = at
	l.frames.Add(1)
	l.lastSeq.Store(u.Seq)
	l.lastFrame.Store(at.UnixMicro())

	if l.retention != nil {
		if _, err := l.retention.Enforce(at); err != nil {
			slog.Warn("retention enforce", "err", err)
		}
	}
	return true, nil
}

func (l *Loop) Stats() Stats {
	st := Stats{
		Connected:  l.connected.Load(),
		Frames:     l.frames.Load(),
		Dropped:    l.dropped.Load(),
		Reconnects: l.reconnects.Load(),
		LastSeq:    l.lastSeq.Load(),
	}
	if us := l.lastFrame.Load(); us > 0 {
		st.LastFrame = time.UnixMicro(us)
	}
	return st
}
