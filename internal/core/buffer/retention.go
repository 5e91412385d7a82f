package buffer

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
)

// oldestEvicter 支持按空间回收的存储
type oldestEvicter interface {
	EvictOldest() (int, error)
}

// Retention 缓冲区唯一的清理入口
type Retention struct {
	store    Store
	window   time.Duration
	grace    time.Duration
	interval time.Duration

	usageDir       string
	usageThreshold float64
	usage          func(ctx context.Context, path string) (float64, error)

	now func() time.Time
}

type RetentionOption func(*Retention)

// WithGrace 定时清理在窗口之外额外保留的时长
func WithGrace(d time.Duration) RetentionOption {
	return func(r *Retention) {
		r.grace = max(d, 0)
	}
}

// WithSweepInterval 定时清理周期
func WithSweepInterval(d time.Duration) RetentionOption {
	return func(r *Retention) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithDiskGuard 磁盘使用率超过 threshold(百分比) 时删除最旧分块
func WithDiskGuard(dir string, threshold float64) RetentionOption {
	return func(r *Retention) {
		r.usageDir = dir
		r.usageThreshold = threshold
	}
}

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) RetentionOption {
	return func(r *Retention) {
		r.now = now
	}
}

func NewRetention(store Store, window time.Duration, opts ...RetentionOption) *Retention {
	r := Retention{
		store:    store,
		window:   window,
		interval: 5 * time.Second,
		usage:    usedPercent,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return &r
}

func (r *Retention) Window() time.Duration {
	return r.window
}

// Enforce 每次写入后调用，清理结束时间早于 newest - window 的数据
func (r *Retention) Enforce(newest time.Time) (int, error) {
	return r.store.Evict(newest.Add(-r.window))
}

// Sweep 按墙上时间清理，采集中断时缓冲区也会逐渐清空
func (r *Retention) Sweep(ctx context.Context) {
	cutoff := r.now().Add(-r.window - r.grace)
	n, err := r.store.Evict(cutoff)
	if err != nil {
		slog.WarnContext(ctx, "retention sweep", "cutoff", cutoff, "evicted", n, "err", err)
	} else if n > 0 {
		slog.DebugContext(ctx, "retention sweep", "cutoff", cutoff, "evicted", n)
	}
	r.guardDisk(ctx)
}

// Run 定时清理，ctx 结束后退出
func (r *Retention) Run(ctx context.Context) {
	slog.InfoContext(ctx, "retention worker started",
		"window", r.window,
		"grace", r.grace,
		"interval", r.interval,
		"disk_threshold", r.usageThreshold,
	)
	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Retention) guardDisk(ctx context.Context) {
	if r.usageDir == "" || r.usageThreshold <= 0 || r.usageThreshold >= 100 {
		return
	}
	ev, ok := r.store.(oldestEvicter)
	if !ok {
		return
	}

	var dropped int
	for range 1000 {
		usage, err := r.usage(ctx, r.usageDir)
		if err != nil {
			slog.WarnContext(ctx, "failed to get disk usage", "dir", r.usageDir, "err", err)
			return
		}
		if usage < r.usageThreshold {
			break
		}
		n, err := ev.EvictOldest()
		if err != nil {
			slog.WarnContext(ctx, "evict oldest chunk", "err", err)
		}
		if n == 0 {
			slog.WarnContext(ctx, "disk usage above threshold and nothing left to evict",
				"usage", usage, "threshold", r.usageThreshold)
			break
		}
		dropped += n
	}
	if dropped > 0 {
		slog.WarnContext(ctx, "disk usage cleanup completed",
			"reason", "disk_threshold_exceeded",
			"threshold", r.usageThreshold,
			"chunks_deleted", dropped,
		)
	}
}

func usedPercent(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}
