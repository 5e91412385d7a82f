package recording

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ixugo/goddd/pkg/orm"
	"github.com/ixugo/goddd/pkg/web"
	"github.com/shirou/gopsutil/v4/disk"
	"gorm.io/gorm"
)

// StartCleanupWorker 启动定时清理协程
// 启动时执行一次清理，随后每 60 分钟执行一次，ctx 结束时退出
func (c Core) StartCleanupWorker(ctx context.Context) {
	if c.conf == nil || c.conf.Disabled {
		slog.Info("clip cleanup disabled")
		return
	}

	slog.Info("clip cleanup worker started",
		"retain_days", c.conf.RetainDays,
		"disk_threshold", c.conf.DiskUsageThreshold,
		"output_dir", c.outputDir,
	)

	c.runCleanup(ctx)

	ticker := time.NewTicker(60 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCleanup(ctx)
		}
	}
}

// runCleanup 先预标记即将过期的片段，再清理过期片段，最后处理磁盘空间
func (c Core) runCleanup(ctx context.Context) {
	c.markExpiringRecordings(ctx, time.Now())
	c.cleanupExpiredRecordings(ctx, time.Now())
	c.cleanupByDiskUsage(ctx)
}

// markExpiringRecordings 预标记 1 小时内即将过期的片段
func (c Core) markExpiringRecordings(ctx context.Context, now time.Time) {
	if c.conf.RetainDays <= 0 {
		return
	}

	// started_at < (now + 1h - retain_days) 的片段将在 1 小时内过期
	expiryCutoff := now.Add(time.Hour).AddDate(0, 0, -c.conf.RetainDays)
	err := c.store.Recording().Session(ctx, func(tx *gorm.DB) error {
		return tx.Model(&Recording{}).
			Where("delete_flag = ?", false).
			Where("started_at < ?", orm.Time{Time: expiryCutoff}).
			Update("delete_flag", true).Error
	})
	if err != nil {
		slog.Warn("failed to mark expiring clips", "err", err)
	}
}

// cleanupExpiredRecordings 清理超过保留天数的片段
func (c Core) cleanupExpiredRecordings(ctx context.Context, now time.Time) int {
	if c.conf.RetainDays <= 0 {
		return 0
	}

	cutoffTime := now.AddDate(0, 0, -c.conf.RetainDays)
	totalDeleted, filesDeleted, failedFiles, freedBytes := c.batchDeleteRecordings(ctx,
		Where("started_at < ?", orm.Time{Time: cutoffTime}),
	)
	if totalDeleted > 0 || failedFiles > 0 {
		slog.Info("expired clip cleanup completed",
			"reason", "retention_policy",
			"retain_days", c.conf.RetainDays,
			"cutoff_time", cutoffTime.Format(time.DateTime),
			"clips_deleted", totalDeleted,
			"files_deleted", filesDeleted,
			"failed_files", failedFiles,
			"freed_bytes", freedBytes,
		)
	}
	return totalDeleted
}

// cleanupByDiskUsage 磁盘使用率超过阈值时，删除最旧的片段直到使用率降到阈值以下
// 已上传的片段优先删除
func (c Core) cleanupByDiskUsage(ctx context.Context) {
	if c.conf.DiskUsageThreshold <= 0 || c.conf.DiskUsageThreshold >= 100 {
		return
	}

	dir := c.absOutputDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return
	}
	usage, err := getDiskUsage(ctx, dir)
	if err != nil {
		slog.Warn("failed to get disk usage", "err", err)
		return
	}
	if usage < c.conf.DiskUsageThreshold {
		return
	}

	initial := usage
	var deletedCount, failedCount int
	var freedBytes int64
	for usage >= c.conf.DiskUsageThreshold {
		var oldest []*Recording
		pager := web.PagerFilter{Page: 1, Size: 20}
		_, err := c.store.Recording().Find(ctx, &oldest, &pager,
			OrderBy("remote_ref = '' ASC, started_at ASC"),
		)
		if err != nil || len(oldest) == 0 {
			break
		}
		ids, freed, failed := c.removeFiles(oldest)
		if err := c.deleteRows(ctx, ids); err != nil {
			slog.Warn("failed to delete clip rows", "err", err)
			break
		}
		deletedCount += len(ids)
		freedBytes += freed
		failedCount += failed

		if usage, err = getDiskUsage(ctx, dir); err != nil {
			break
		}
	}
	cleanupEmptyDirs(dir)

	slog.Info("disk usage clip cleanup completed",
		"reason", "disk_threshold_exceeded",
		"initial_usage", initial,
		"threshold", c.conf.DiskUsageThreshold,
		"clips_deleted", deletedCount,
		"failed_files", failedCount,
		"freed_bytes", freedBytes,
	)
}

// batchDeleteRecordings 批量删除片段（文件+数据库记录）
func (c Core) batchDeleteRecordings(ctx context.Context, conditions ...Scope) (totalDeleted, filesDeleted, failedFiles int, freedBytes int64) {
	const batchSize = 100
	for {
		var recordings []*Recording
		pager := web.PagerFilter{Page: 1, Size: batchSize}
		_, err := c.store.Recording().Find(ctx, &recordings, &pager, conditions...)
		if err != nil || len(recordings) == 0 {
			break
		}

		ids, freed, failed := c.removeFiles(recordings)
		if err := c.deleteRows(ctx, ids); err != nil {
			slog.Warn("failed to delete clip rows", "err", err)
			break
		}
		totalDeleted += len(ids)
		filesDeleted += len(ids) - failed
		failedFiles += failed
		freedBytes += freed
		if len(recordings) < batchSize {
			break
		}
	}
	cleanupEmptyDirs(c.absOutputDir())
	return
}

// removeFiles 删除片段文件，文件不存在视为已删除
func (c Core) removeFiles(recs []*Recording) (ids []string, freed int64, failed int) {
	for _, rec := range recs {
		if err := os.Remove(c.GetFullPath(rec.Path)); err != nil && !os.IsNotExist(err) {
			failed++
		} else {
			freed += rec.Size
		}
		ids = append(ids, rec.ID)
	}
	return
}

func (c Core) deleteRows(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.store.Recording().Session(ctx, func(tx *gorm.DB) error {
		return tx.Where("id IN ?", ids).Delete(&Recording{}).Error
	})
}

// getDiskUsage 获取指定路径所在磁盘的使用率（百分比）
var getDiskUsage = func(ctx context.Context, path string) (float64, error) {
	st, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return st.UsedPercent, nil
}

// cleanupEmptyDirs 递归删除空目录
func cleanupEmptyDirs(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		subDir := filepath.Join(dir, entry.Name())
		cleanupEmptyDirs(subDir)
		if subEntries, err := os.ReadDir(subDir); err == nil && len(subEntries) == 0 {
			_ = os.Remove(subDir)
		}
	}
}
