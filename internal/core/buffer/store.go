// Package buffer 按采集时间索引的滚动缓冲区
//
// 写入方只有采集协程，读取方通过 Snapshot 获得只读视图。
// 清理只由 Retention 触发，已经拿到快照的读取方不受后续清理影响。
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrOutOfOrder         = errors.New("buffer: frame out of order")
	ErrStorageExhausted   = errors.New("buffer: storage exhausted")
	ErrReadOnly           = errors.New("buffer: store is read only")
	ErrClosed             = errors.New("buffer: store closed")
	ErrEvicted            = errors.New("buffer: extent evicted")
	ErrCorruptRecord      = errors.New("buffer: corrupt record")
	errInvalidExtentIndex = errors.New("buffer: extent index out of range")
)

// Store 时间索引的帧存储
type Store interface {
	// Append 追加一帧，取得 u.Payload 的引用
	// 序号必须严格递增，采集时间不得倒退
	Append(u Unit) error
	// Snapshot 返回与 span 相交的区段只读视图，用完需 Release
	Snapshot(span Span) (*Snapshot, error)
	// Window 返回当前可查询的时间范围 [oldest, newest)
	Window() (Span, bool)
	// Head 返回最新一帧
	Head() (FrameRef, bool)
	// Evict 删除结束时间不晚于 cutoff 的数据，返回删除的区段数
	Evict(cutoff time.Time) (int, error)
	Stats() Stats
	Close() error
}

// snapshotSource 由具体存储实现的快照读取方式
type snapshotSource interface {
	scan(ctx context.Context, idx int, ext Extent, fn func(FrameRef) error) error
	read(ctx context.Context, ref FrameRef) ([]byte, error)
	release()
}

// Snapshot 某一时刻的区段视图
type Snapshot struct {
	// Window 取快照时缓冲区的可查询范围
	Window  Span
	Extents []Extent

	src  snapshotSource
	once sync.Once
}

// Scan 按顺序遍历第 i 个区段内的帧
func (s *Snapshot) Scan(ctx context.Context, i int, fn func(FrameRef) error) error {
	if i < 0 || i >= len(s.Extents) {
		return errInvalidExtentIndex
	}
	return s.src.scan(ctx, i, s.Extents[i], fn)
}

// Read 读取帧数据，memory 模式下返回的切片在 Release 前有效
func (s *Snapshot) Read(ctx context.Context, ref FrameRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.src.read(ctx, ref)
}

// Release 释放快照持有的引用和文件句柄
func (s *Snapshot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.src != nil {
			s.src.release()
		}
	})
}
