package buffer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore 固定容量的环形缓冲，容量用尽时覆盖最旧的帧
type MemoryStore struct {
	mu    sync.RWMutex
	ring  []Unit
	head  int
	n     int
	bytes int64

	last    Unit
	hasLast bool
	maxDur  time.Duration // 出现过的最长帧时长，限定向前回退的范围
	closed  bool
}

// MemoryCapacity 按窗口、帧率和冗余比例计算环形缓冲容量
func MemoryCapacity(window time.Duration, fps int, headroom float64) int {
	frames := window.Seconds() * float64(fps) * (1 + headroom)
	return max(int(math.Ceil(frames)), 1)
}

// NewMemoryStore capacity 为最多保留的帧数
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{ring: make([]Unit, max(capacity, 1))}
}

func (m *MemoryStore) at(i int) *Unit {
	return &m.ring[(m.head+i)%len(m.ring)]
}

func (m *MemoryStore) popOldest() {
	u := m.at(0)
	m.bytes -= int64(u.Payload.Len())
	u.Payload.Release()
	*u = Unit{}
	m.head = (m.head + 1) % len(m.ring)
	m.n--
}

// Append 写入只在持锁期间更新索引，不等待读取方
func (m *MemoryStore) Append(u Unit) error {
	if u.Payload == nil {
		return fmt.Errorf("buffer: unit %d has no payload", u.Seq)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		u.Payload.Release()
		return ErrClosed
	}
	if m.hasLast && (u.Seq <= m.last.Seq || u.CapturedAt.Before(m.last.CapturedAt)) {
		u.Payload.Release()
		return fmt.Errorf("%w: seq %d at %s after seq %d at %s", ErrOutOfOrder,
			u.Seq, u.CapturedAt.Format(time.RFC3339Nano), m.last.Seq, m.last.CapturedAt.Format(time.RFC3339Nano))
	}
	if m.n == len(m.ring) {
		m.popOldest()
	}
	*m.at(m.n) = u
	m.n++
	m.bytes += int64(u.Payload.Len())
	m.maxDur = max(m.maxDur, u.Duration)
	m.last = Unit{CapturedAt: u.CapturedAt, Seq: u.Seq, Duration: u.Duration}
	m.hasLast = true
	return nil
}

func (m *MemoryStore) Evict(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int
	for m.n > 0 && !m.at(0).End().After(cutoff) {
		m.popOldest()
		count++
	}
	return count, nil
}

func (m *MemoryStore) window() (Span, bool) {
	if m.n == 0 {
		return Span{}, false
	}
	return Span{Start: m.at(0).CapturedAt, End: m.at(m.n - 1).End()}, true
}

func (m *MemoryStore) Window() (Span, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.window()
}

func (m *MemoryStore) Head() (FrameRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.n == 0 {
		return FrameRef{}, false
	}
	u := m.at(m.n - 1)
	return FrameRef{Seq: u.Seq, CapturedAt: u.CapturedAt, Duration: u.Duration, Size: u.Payload.Len()}, true
}

// Snapshot 对命中的帧增加引用，之后的覆盖和清理只会移除索引
func (m *MemoryStore) Snapshot(span Span) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	win, _ := m.window()
	// 帧时长是估算值，结束时间不一定单调，先按开始时间定位，
	// 再把开始时间距 span.Start 不超过 maxDur 的帧都纳入候选，下面逐帧过滤
	hi := sort.Search(m.n, func(i int) bool { return !m.at(i).CapturedAt.Before(span.End) })
	lo := sort.Search(hi, func(i int) bool { return !m.at(i).CapturedAt.Before(span.Start) })
	for lo > 0 && m.at(lo-1).CapturedAt.Add(m.maxDur).After(span.Start) {
		lo--
	}

	src := memorySnapshot{refs: make([]FrameRef, 0, hi-lo)}
	exts := make([]Extent, 0, hi-lo)
	for i := lo; i < hi; i++ {
		u := m.at(i)
		if !u.End().After(span.Start) {
			continue
		}
		src.refs = append(src.refs, FrameRef{
			Seq:        u.Seq,
			CapturedAt: u.CapturedAt,
			Duration:   u.Duration,
			Size:       u.Payload.Len(),
			extent:     len(exts),
			payload:    u.Payload.Ref(),
		})
		exts = append(exts, Extent{
			Start:    u.CapturedAt,
			End:      u.End(),
			FirstSeq: u.Seq,
			LastSeq:  u.Seq,
			Frames:   1,
			Size:     int64(u.Payload.Len()),
			Sealed:   true,
		})
	}
	return &Snapshot{Window: win, Extents: exts, src: &src}, nil
}

func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	win, _ := m.window()
	return Stats{
		Mode:    "memory",
		Window:  win,
		Frames:  m.n,
		Extents: m.n,
		Bytes:   m.bytes,
		LastSeq: m.last.Seq,
	}
}

// Close 释放缓冲区持有的全部帧，已发出的快照仍然可读
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for m.n > 0 {
		m.popOldest()
	}
	m.closed = true
	return nil
}

type memorySnapshot struct {
	refs []FrameRef
}

func (s *memorySnapshot) scan(ctx context.Context, idx int, _ Extent, fn func(FrameRef) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s.refs[idx])
}

func (s *memorySnapshot) read(_ context.Context, ref FrameRef) ([]byte, error) {
	if ref.payload == nil {
		return nil, ErrEvicted
	}
	return ref.payload.Bytes(), nil
}

func (s *memorySnapshot) release() {
	for _, ref := range s.refs {
		ref.payload.Release()
	}
	s.refs = nil
}
