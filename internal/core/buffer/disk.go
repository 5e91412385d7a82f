package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

var _ Store = (*DiskStore)(nil)

const (
	chunkPrefix  = "chunk_"
	partSuffix   = ".part"
	sealedSuffix = ".rbk"
	chunkLayout  = "20060102T150405.000000Z"
)

func partName(start time.Time) string {
	return chunkPrefix + start.UTC().Format(chunkLayout) + partSuffix
}

func sealedName(start, end time.Time) string {
	return chunkPrefix + start.UTC().Format(chunkLayout) + "_" + end.UTC().Format(chunkLayout) + sealedSuffix
}

// parseChunkName 解析分块文件名，未封口的分块没有结束时间
func parseChunkName(name string) (start, end time.Time, sealed, ok bool) {
	if !strings.HasPrefix(name, chunkPrefix) {
		return
	}
	body := strings.TrimPrefix(name, chunkPrefix)
	switch {
	case strings.HasSuffix(body, partSuffix):
		s, err := time.Parse(chunkLayout, strings.TrimSuffix(body, partSuffix))
		if err != nil {
			return
		}
		return s, time.Time{}, false, true
	case strings.HasSuffix(body, sealedSuffix):
		a, b, found := strings.Cut(strings.TrimSuffix(body, sealedSuffix), "_")
		if !found {
			return
		}
		s, err1 := time.Parse(chunkLayout, a)
		e, err2 := time.Parse(chunkLayout, b)
		if err1 != nil || err2 != nil {
			return
		}
		return s, e, true, true
	}
	return
}

// manifest 不可变的分块清单，写入方整体替换
type manifest struct {
	sealed []Extent
	head   *Extent
	last   FrameRef
	floor  time.Time
}

func (m *manifest) extents() []Extent {
	if m.head == nil {
		return m.sealed
	}
	out := make([]Extent, 0, len(m.sealed)+1)
	out = append(out, m.sealed...)
	return append(out, *m.head)
}

func (m *manifest) find(start time.Time) (Extent, bool) {
	for _, e := range m.extents() {
		if e.Start.Equal(start) {
			return e, true
		}
	}
	return Extent{}, false
}

type DiskOption func(*DiskStore)

// WithChunkDuration 单个分块覆盖的时长
func WithChunkDuration(d time.Duration) DiskOption {
	return func(s *DiskStore) {
		if d > 0 {
			s.chunk = d
		}
	}
}

// WithReadOnly 只读打开，供独立进程查询正在写入的缓冲目录
func WithReadOnly() DiskOption {
	return func(s *DiskStore) {
		s.readOnly = true
	}
}

// WithRetainedWindow 只读模式下按最新帧推算可查询下限
func WithRetainedWindow(d time.Duration) DiskOption {
	return func(s *DiskStore) {
		s.retained = d
	}
}

// DiskStore 按固定时长切分的分块文件存储
type DiskStore struct {
	dir      string
	chunk    time.Duration
	readOnly bool
	retained time.Duration

	// mu 只由写入方和清理方持有，读取方只读取 manifest
	mu       sync.Mutex
	manifest atomic.Pointer[manifest]
	head     *chunkWriter
	pending  []string
	closed   bool

	// 只读模式下缓存已封口分块的扫描结果
	cacheMu sync.Mutex
	cache   map[string]scannedChunk
}

type scannedChunk struct {
	ext  Extent
	last FrameRef
}

type chunkWriter struct {
	f   *os.File
	w   *RecordWriter
	ext Extent
}

// OpenDiskStore 打开分块目录并根据目录内容重建清单
// 可写模式下会恢复上次异常退出遗留的 .part 分块
func OpenDiskStore(dir string, opts ...DiskOption) (*DiskStore, error) {
	s := DiskStore{
		dir:   dir,
		chunk: time.Minute,
		cache: make(map[string]scannedChunk),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if !s.readOnly {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	s.manifest.Store(m)
	return &s, nil
}

// Dir 分块目录
func (s *DiskStore) Dir() string {
	return s.dir
}

// readDir 列出分块目录
var readDir = os.ReadDir

// load 扫描目录重建清单
// 只读模式下列目录和扫描之间分块可能被写入方封口改名，遇到时重新列一次
func (s *DiskStore) load() (*manifest, error) {
	m, renamed, err := s.loadDir()
	if err == nil && renamed && s.readOnly {
		m, _, err = s.loadDir()
	}
	return m, err
}

func (s *DiskStore) loadDir() (*manifest, bool, error) {
	entries, err := readDir(s.dir)
	if err != nil {
		if s.readOnly && errors.Is(err, fs.ErrNotExist) {
			return &manifest{}, false, nil
		}
		return nil, false, err
	}

	m := manifest{}
	var renamed bool
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		start, _, sealed, ok := parseChunkName(name)
		if !ok {
			continue
		}
		seen[name] = struct{}{}

		if !sealed && !s.readOnly {
			ext, last, err := s.recoverPart(name, start)
			if err != nil {
				slog.Warn("recover chunk failed", "name", name, "err", err)
				continue
			}
			if ext.Frames > 0 {
				m.sealed = append(m.sealed, ext)
				if last.Seq >= m.last.Seq {
					m.last = last
				}
			}
			continue
		}

		ext, last, err := s.scanChunk(name, start, sealed)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				renamed = true
				continue
			}
			slog.Warn("scan chunk failed", "name", name, "err", err)
			continue
		}
		if ext.Frames == 0 {
			continue
		}
		if last.Seq >= m.last.Seq {
			m.last = last
		}
		if sealed {
			m.sealed = append(m.sealed, ext)
		} else if m.head == nil || ext.Start.After(m.head.Start) {
			e := ext
			m.head = &e
		}
	}
	sort.Slice(m.sealed, func(i, j int) bool { return m.sealed[i].Start.Before(m.sealed[j].Start) })

	if s.readOnly {
		s.cacheMu.Lock()
		for name := range s.cache {
			if _, ok := seen[name]; !ok {
				delete(s.cache, name)
			}
		}
		s.cacheMu.Unlock()
		if s.retained > 0 {
			exts := m.extents()
			if len(exts) > 0 {
				m.floor = exts[len(exts)-1].End.Add(-s.retained)
			}
		}
	}
	return &m, renamed, nil
}

// scanChunk 读取分块内所有记录头
func (s *DiskStore) scanChunk(name string, start time.Time, sealed bool) (Extent, FrameRef, error) {
	if sealed && s.readOnly {
		s.cacheMu.Lock()
		c, ok := s.cache[name]
		s.cacheMu.Unlock()
		if ok {
			return c.ext, c.last, nil
		}
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return Extent{}, FrameRef{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Extent{}, FrameRef{}, err
	}

	ext := Extent{Start: start, Sealed: sealed, Name: name}
	var last FrameRef
	end, err := scanRecords(f, info.Size(), func(h RecordHeader) error {
		if ext.Frames == 0 {
			ext.FirstSeq = h.Seq
		}
		ext.Frames++
		ext.LastSeq = h.Seq
		if h.End().After(ext.End) {
			ext.End = h.End()
		}
		last = FrameRef{Seq: h.Seq, CapturedAt: h.CapturedAt, Duration: h.Duration, Size: h.Size}
		return nil
	})
	if err != nil && ext.Frames == 0 {
		return Extent{}, FrameRef{}, err
	}
	ext.Size = end

	if sealed && s.readOnly {
		s.cacheMu.Lock()
		s.cache[name] = scannedChunk{ext: ext, last: last}
		s.cacheMu.Unlock()
	}
	return ext, last, nil
}

// recoverPart 校验未封口分块，截掉残缺的尾部记录后封口，没有有效记录时删除
func (s *DiskStore) recoverPart(name string, start time.Time) (Extent, FrameRef, error) {
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return Extent{}, FrameRef{}, err
	}

	ext := Extent{Start: start, Sealed: true}
	var last FrameRef
	valid := int64(0)
	rr, err := NewRecordReader(f)
	if err == nil {
		valid = rr.Offset()
		for {
			h, _, err := rr.Next(true)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.Warn("truncate torn chunk tail", "name", name, "offset", rr.Offset(), "err", err)
				}
				break
			}
			if ext.Frames == 0 {
				ext.FirstSeq = h.Seq
			}
			ext.Frames++
			ext.LastSeq = h.Seq
			if h.End().After(ext.End) {
				ext.End = h.End()
			}
			last = FrameRef{Seq: h.Seq, CapturedAt: h.CapturedAt, Duration: h.Duration, Size: h.Size}
			valid = rr.Offset()
		}
	}

	if ext.Frames == 0 {
		_ = f.Close()
		return Extent{}, FrameRef{}, os.Remove(path)
	}
	if err := f.Truncate(valid); err != nil {
		_ = f.Close()
		return Extent{}, FrameRef{}, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return Extent{}, FrameRef{}, err
	}
	if err := f.Close(); err != nil {
		return Extent{}, FrameRef{}, err
	}

	ext.Name = sealedName(ext.Start, ext.End)
	ext.Size = valid
	if err := os.Rename(path, filepath.Join(s.dir, ext.Name)); err != nil {
		return Extent{}, FrameRef{}, err
	}
	slog.Info("recovered chunk", "name", ext.Name, "frames", ext.Frames, "last_seq", ext.LastSeq)
	return ext, last, nil
}

// current 只读模式每次重新扫描目录，其它进程可能正在写入
func (s *DiskStore) current() *manifest {
	if !s.readOnly {
		return s.manifest.Load()
	}
	m, err := s.load()
	if err != nil {
		slog.Warn("reload chunk dir failed", "dir", s.dir, "err", err)
		return s.manifest.Load()
	}
	s.manifest.Store(m)
	return m
}

func storageErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %w", ErrStorageExhausted, err)
	}
	return err
}

// publish 在写入方持锁时调用，生成新的清单
func (s *DiskStore) publish(fn func(m *manifest)) {
	old := s.manifest.Load()
	next := *old
	fn(&next)
	if s.head != nil {
		head := s.head.ext
		next.head = &head
	} else {
		next.head = nil
	}
	s.manifest.Store(&next)
}

func (s *DiskStore) openHead(start time.Time) error {
	name := partName(start)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return storageErr(err)
	}
	w, err := NewRecordWriter(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(filepath.Join(s.dir, name))
		return storageErr(err)
	}
	s.head = &chunkWriter{f: f, w: w, ext: Extent{Start: start, Name: name, Size: w.Offset()}}
	return nil
}

// sealHead 刷盘并改名，改名后的分块才允许被清理
func (s *DiskStore) sealHead() error {
	h := s.head
	if h == nil {
		return nil
	}
	s.head = nil
	syncErr := h.f.Sync()
	closeErr := h.f.Close()

	ext := h.ext
	ext.Sealed = true
	if ext.Frames == 0 {
		_ = os.Remove(filepath.Join(s.dir, ext.Name))
		s.publish(func(*manifest) {})
		return errors.Join(syncErr, closeErr)
	}
	name := sealedName(ext.Start, ext.End)
	if err := os.Rename(filepath.Join(s.dir, ext.Name), filepath.Join(s.dir, name)); err != nil {
		slog.Error("seal chunk rename failed", "name", ext.Name, "err", err)
	} else {
		ext.Name = name
	}
	s.publish(func(m *manifest) {
		m.sealed = append(m.sealed[:len(m.sealed):len(m.sealed)], ext)
	})
	return storageErr(errors.Join(syncErr, closeErr))
}

// Append 写入当前分块，跨过分块时长时先封口再新建
func (s *DiskStore) Append(u Unit) error {
	defer u.Payload.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	if s.closed {
		return ErrClosed
	}
	last := s.manifest.Load().last
	if last.Seq > 0 && (u.Seq <= last.Seq || u.CapturedAt.Before(last.CapturedAt)) {
		return fmt.Errorf("%w: seq %d at %s after seq %d at %s", ErrOutOfOrder,
			u.Seq, u.CapturedAt.Format(time.RFC3339Nano), last.Seq, last.CapturedAt.Format(time.RFC3339Nano))
	}

	if s.head != nil && u.CapturedAt.Sub(s.head.ext.Start) >= s.chunk {
		if err := s.sealHead(); err != nil {
			return err
		}
	}
	if s.head == nil {
		if err := s.openHead(u.CapturedAt); err != nil {
			return err
		}
	}

	h := s.head
	prev := h.w.Offset()
	var payload []byte
	if u.Payload != nil {
		payload = u.Payload.Bytes()
	}
	if _, err := h.w.WriteRecord(u.CapturedAt, u.Seq, u.Duration, payload); err != nil {
		// 截掉写了一半的记录
		if terr := h.f.Truncate(prev); terr == nil {
			_, _ = h.f.Seek(prev, io.SeekStart)
			h.w.off = prev
		}
		return storageErr(err)
	}

	if h.ext.Frames == 0 {
		h.ext.FirstSeq = u.Seq
	}
	h.ext.Frames++
	h.ext.LastSeq = u.Seq
	if u.End().After(h.ext.End) {
		h.ext.End = u.End()
	}
	h.ext.Size = h.w.Offset()
	s.publish(func(m *manifest) {
		m.last = FrameRef{Seq: u.Seq, CapturedAt: u.CapturedAt, Duration: u.Duration, Size: len(payload)}
	})
	return nil
}

// Evict 只删除已封口且结束时间不晚于 cutoff 的分块
// 下限同时前移，未整块过期的分块中早于 cutoff 的帧也不再可见
func (s *DiskStore) Evict(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return 0, ErrReadOnly
	}
	s.retryPending()

	m := s.manifest.Load()
	var removed []Extent
	keep := make([]Extent, 0, len(m.sealed))
	for _, e := range m.sealed {
		if !e.End.After(cutoff) {
			removed = append(removed, e)
			continue
		}
		keep = append(keep, e)
	}
	if len(removed) == 0 && !cutoff.After(m.floor) {
		return 0, nil
	}
	s.publish(func(m *manifest) {
		m.sealed = keep
		if cutoff.After(m.floor) {
			m.floor = cutoff
		}
	})
	return len(removed), s.remove(removed)
}

// EvictOldest 删除最旧的已封口分块，用于磁盘空间不足
func (s *DiskStore) EvictOldest() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return 0, ErrReadOnly
	}
	m := s.manifest.Load()
	if len(m.sealed) == 0 {
		return 0, nil
	}
	oldest := m.sealed[0]
	s.publish(func(m *manifest) {
		m.sealed = m.sealed[1:]
		if oldest.End.After(m.floor) {
			m.floor = oldest.End
		}
	})
	return 1, s.remove([]Extent{oldest})
}

func (s *DiskStore) remove(exts []Extent) error {
	var errs []error
	for _, e := range exts {
		path := filepath.Join(s.dir, e.Name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("remove chunk failed, will retry", "name", e.Name, "err", err)
			s.pending = append(s.pending, path)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *DiskStore) retryPending() {
	if len(s.pending) == 0 {
		return
	}
	pending := s.pending[:0]
	for _, path := range s.pending {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			pending = append(pending, path)
		}
	}
	s.pending = pending
}

// Pending 删除失败等待重试的分块数
func (s *DiskStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func windowOf(m *manifest) (Span, bool) {
	exts := m.extents()
	if len(exts) == 0 {
		return Span{}, false
	}
	win := Span{Start: exts[0].Start, End: exts[len(exts)-1].End}
	if m.floor.After(win.Start) {
		win.Start = m.floor
	}
	if !win.End.After(win.Start) {
		return Span{}, false
	}
	return win, true
}

func (s *DiskStore) Window() (Span, bool) {
	return windowOf(s.current())
}

func (s *DiskStore) Head() (FrameRef, bool) {
	m := s.current()
	return m.last, m.last.Seq > 0
}

// Snapshot 为命中的分块打开独立的文件句柄，之后的删除和改名不影响读取
func (s *DiskStore) Snapshot(span Span) (*Snapshot, error) {
	m := s.current()
	win, _ := windowOf(m)

	src := diskSnapshot{store: s, floor: m.floor}
	var exts []Extent
	for _, e := range m.extents() {
		if !e.Span().Overlaps(span) || !e.End.After(m.floor) {
			continue
		}
		f, ext, err := s.openExtent(e)
		if err != nil {
			if errors.Is(err, ErrEvicted) {
				continue
			}
			src.release()
			return nil, err
		}
		exts = append(exts, ext)
		src.files = append(src.files, f)
	}
	return &Snapshot{Window: win, Extents: exts, src: &src}, nil
}

// openExtent 分块在清单读取后被封口改名时按开始时间重新定位，已被删除则视为过期
func (s *DiskStore) openExtent(e Extent) (*os.File, Extent, error) {
	f, err := os.Open(filepath.Join(s.dir, e.Name))
	if err == nil {
		return f, e, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, e, err
	}
	cur, ok := s.current().find(e.Start)
	if !ok || cur.Name == e.Name {
		return nil, e, ErrEvicted
	}
	f, err = os.Open(filepath.Join(s.dir, cur.Name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, e, ErrEvicted
		}
		return nil, e, err
	}
	return f, cur, nil
}

func (s *DiskStore) Stats() Stats {
	m := s.current()
	win, _ := windowOf(m)
	st := Stats{Mode: "disk", Window: win, LastSeq: m.last.Seq}
	for _, e := range m.extents() {
		st.Extents++
		st.Frames += e.Frames
		st.Bytes += e.Size
	}
	return st
}

// Close 封口当前分块
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.readOnly {
		s.closed = true
		return nil
	}
	s.closed = true
	err := s.sealHead()
	s.retryPending()
	return err
}

type diskSnapshot struct {
	store *DiskStore
	floor time.Time
	files []*os.File
}

func (d *diskSnapshot) scan(ctx context.Context, idx int, ext Extent, fn func(FrameRef) error) error {
	f := d.files[idx]
	var n int
	_, err := scanRecords(f, ext.Size, func(h RecordHeader) error {
		n++
		if n%64 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !h.End().After(d.floor) {
			return nil
		}
		return fn(FrameRef{
			Seq:        h.Seq,
			CapturedAt: h.CapturedAt,
			Duration:   h.Duration,
			Size:       h.Size,
			extent:     idx,
			offset:     h.Offset,
		})
	})
	return err
}

func (d *diskSnapshot) read(_ context.Context, ref FrameRef) ([]byte, error) {
	if ref.extent < 0 || ref.extent >= len(d.files) {
		return nil, errInvalidExtentIndex
	}
	buf := make([]byte, ref.Size)
	if _, err := d.files[ref.extent].ReadAt(buf, ref.offset); err != nil {
		return nil, fmt.Errorf("read seq %d: %w", ref.Seq, err)
	}
	return buf, nil
}

func (d *diskSnapshot) release() {
	for _, f := range d.files {
		_ = f.Close()
	}
	d.files = nil
}
