package recording

import (
	"context"
	"time"
)

func (c Core) CleanupExpired(ctx context.Context, now time.Time) int {
	return c.cleanupExpiredRecordings(ctx, now)
}

func (c Core) MarkExpiring(ctx context.Context, now time.Time) {
	c.markExpiringRecordings(ctx, now)
}

func (c Core) CleanupByDiskUsage(ctx context.Context) {
	c.cleanupByDiskUsage(ctx)
}

// SetDiskUsage 替换磁盘使用率查询，返回恢复函数
func SetDiskUsage(fn func(ctx context.Context, path string) (float64, error)) func() {
	old := getDiskUsage
	getDiskUsage = fn
	return func() { getDiskUsage = old }
}
