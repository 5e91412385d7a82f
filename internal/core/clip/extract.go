package clip

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gowvp/caprid/internal/core/buffer"
)

const nameLayout = "20060102T150405Z"

// Engine 截取引擎，只通过快照读取缓冲区
type Engine struct {
	store    buffer.Store
	encoder  Encoder
	locator  Locator
	recorder Recorder
	exporter Exporter

	outputDir     string
	timeout       time.Duration
	concurrency   int
	eventDuration time.Duration
	futureWait    time.Duration
	pollInterval  time.Duration
	autoUpload    bool

	mu       sync.Mutex
	closing  bool
	targets  map[string]struct{} // 正在写入的目标文件
	inflight sync.WaitGroup
}

type Option func(*Engine)

func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p != "" {
			e.locator.Policy = p
		}
	}
}

// WithAllowEmpty 完全没有数据时返回空结果而不是报错
func WithAllowEmpty(v bool) Option {
	return func(e *Engine) {
		e.locator.AllowEmpty = v
	}
}

func WithGapTolerance(d time.Duration) Option {
	return func(e *Engine) {
		e.locator.GapTolerance = d
	}
}

func WithOutputDir(dir string) Option {
	return func(e *Engine) {
		if dir != "" {
			e.outputDir = dir
		}
	}
}

// WithTimeout 调用方没有设置 deadline 时使用
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithConcurrency 批量截取的并发上限
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithEventDuration 事件截取的默认时长
func WithEventDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.eventDuration = d
		}
	}
}

// WithFutureWait 事件窗口尚未采集完时最长等待时间
func WithFutureWait(d time.Duration) Option {
	return func(e *Engine) {
		e.futureWait = d
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithExporter auto 为 true 时每个成功的片段都上传
func WithExporter(x Exporter, auto bool) Option {
	return func(e *Engine) {
		e.exporter = x
		e.autoUpload = auto
	}
}

func NewEngine(store buffer.Store, enc Encoder, opts ...Option) *Engine {
	e := Engine{
		store:         store,
		encoder:       enc,
		locator:       NewLocator(PolicyClamp, time.Second, false),
		outputDir:     "./clips",
		timeout:       2 * time.Minute,
		concurrency:   4,
		eventDuration: 10 * time.Second,
		futureWait:    10 * time.Second,
		pollInterval:  200 * time.Millisecond,
		targets:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return &e
}

func (e *Engine) Policy() Policy {
	return e.locator.Policy
}

// Extract 截取单个片段，返回的 Result 总是非空，失败时同时返回错误
func (e *Engine) Extract(ctx context.Context, req Request) (*Result, error) {
	res := Result{
		RequestedStart: req.Start,
		RequestedEnd:   req.End,
	}
	if !e.enter() {
		res.fail(ErrClosed)
		return &res, ErrClosed
	}
	defer e.inflight.Done()

	if id, err := uuid.NewV7(); err == nil {
		res.RecordingID = id.String()
	} else {
		res.RecordingID = uuid.NewString()
	}

	if _, ok := ctx.Deadline(); !ok && e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := e.extract(ctx, req, &res); err != nil {
		res.fail(err)
		slog.WarnContext(ctx, "extract failed",
			"recording_id", res.RecordingID,
			"start", req.Start,
			"end", req.End,
			"err", err,
		)
		return &res, err
	}
	slog.InfoContext(ctx, "extract finished",
		"recording_id", res.RecordingID,
		"path", res.Path,
		"status", res.Status,
		"frames", res.Frames,
		"actual_start", res.ActualStart,
		"actual_end", res.ActualEnd,
	)

	if res.Status != StatusEmpty {
		e.finish(ctx, req, &res)
	}
	return &res, nil
}

func (e *Engine) extract(ctx context.Context, req Request, res *Result) error {
	span := req.Span()
	if err := validate(span); err != nil {
		return err
	}

	snap, err := e.store.Snapshot(span)
	if err != nil {
		return err
	}
	defer snap.Release()

	plan, err := e.locator.Locate(snap, span)
	res.Clamped = plan.Clamped
	if err != nil {
		return err
	}
	if plan.Empty {
		res.Status = StatusEmpty
		return nil
	}

	frames, err := e.collect(ctx, snap, plan)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		if e.locator.AllowEmpty {
			res.Status = StatusEmpty
			return nil
		}
		return fmt.Errorf("%w: no frame captured in [%s, %s)", ErrRangeNotRetained,
			plan.Actual.Start.Format(time.RFC3339Nano), plan.Actual.End.Format(time.RFC3339Nano))
	}

	// 帧级别的断档，disk 模式下分块内部的断档也能发现
	var gaps gapTracker
	gaps.reset(plan.Actual, e.locator.GapTolerance)
	for _, f := range frames {
		gaps.add(buffer.Span{Start: f.CapturedAt, End: f.End()})
	}
	res.Gaps = gaps.finish()
	if e.locator.Policy == PolicyStrict && len(res.Gaps) > 0 {
		return fmt.Errorf("%w: %d gap(s) in range, first at %s", ErrRangeNotRetained, len(res.Gaps), res.Gaps[0].Start.Format(time.RFC3339Nano))
	}

	first, last := frames[0], frames[len(frames)-1]
	res.ActualStart = first.CapturedAt
	res.ActualEnd = minTime(last.End(), plan.Actual.End)
	res.Frames = len(frames)

	path, err := e.outputPath(req.Output, res.RecordingID, res.ActualStart, res.ActualEnd)
	if err != nil {
		return err
	}
	if err := e.claim(path); err != nil {
		return err
	}
	defer e.unclaim(path)
	meta := Meta{RecordingID: res.RecordingID, Start: res.ActualStart, End: res.ActualEnd, Frames: len(frames)}
	size, err := e.encode(ctx, snap, frames, path, meta)
	if err != nil {
		return err
	}
	res.Path = path
	res.Size = size
	res.Status = StatusOK
	if res.Clamped || len(res.Gaps) > 0 {
		res.Status = StatusPartial
	}
	return nil
}

// collect 扫描命中区段的帧头，按 captured_at ∈ [start, end) 逐帧裁剪，按序号排序
func (e *Engine) collect(ctx context.Context, snap *buffer.Snapshot, plan Plan) ([]buffer.FrameRef, error) {
	var frames []buffer.FrameRef
	for _, i := range plan.Extents {
		err := snap.Scan(ctx, i, func(ref buffer.FrameRef) error {
			if plan.Actual.Contains(ref.CapturedAt) {
				frames = append(frames, ref)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan extent %d: %w", i, err)
		}
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Seq < frames[j].Seq })
	return frames, nil
}

// enter 关闭之后不再登记新的截取
func (e *Engine) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return false
	}
	e.inflight.Add(1)
	return true
}

// claim 目标文件同一时刻只能有一个截取在写，已存在的文件不覆盖
func (e *Engine) claim(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.targets[path]; ok {
		return fmt.Errorf("%w: %s is being written by another extraction", ErrOutputWrite, path)
	}
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%w: %s already exists", ErrOutputWrite, path)
	}
	e.targets[path] = struct{}{}
	return nil
}

func (e *Engine) unclaim(path string) {
	e.mu.Lock()
	delete(e.targets, path)
	e.mu.Unlock()
}

// encode 先写临时文件，成功后改名，失败或取消时删除临时文件
func (e *Engine) encode(ctx context.Context, snap *buffer.Snapshot, frames []buffer.FrameRef, path string, meta Meta) (int64, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}
	tmp := f.Name()
	_ = f.Close()
	w, err := e.encoder.Create(ctx, tmp, meta)
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	abort := func(err error) (int64, error) {
		w.Abort()
		_ = os.Remove(tmp)
		return 0, err
	}
	for _, ref := range frames {
		if err := ctx.Err(); err != nil {
			return abort(fmt.Errorf("extract interrupted: %w", err))
		}
		data, err := snap.Read(ctx, ref)
		if err != nil {
			return abort(fmt.Errorf("read frame %d: %w", ref.Seq, err))
		}
		if err := w.WriteFrame(ref, data); err != nil {
			return abort(fmt.Errorf("%w: frame %d: %w", ErrEncode, ref.Seq, err))
		}
	}
	if err := ctx.Err(); err != nil {
		return abort(fmt.Errorf("extract interrupted: %w", err))
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if err := publish(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}
	return fi.Size(), nil
}

// publish 硬链接到目标，目标已存在时失败；不支持硬链接的文件系统退回 rename
func publish(tmp, path string) error {
	err := os.Link(tmp, path)
	if err == nil {
		_ = os.Remove(tmp)
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return err
	}
	if _, statErr := os.Lstat(path); statErr == nil {
		return fmt.Errorf("%s: %w", path, fs.ErrExist)
	}
	return os.Rename(tmp, path)
}

// outputPath 目标为空或为目录时使用默认文件名
func (e *Engine) outputPath(output, id string, start, end time.Time) (string, error) {
	name := fmt.Sprintf("clip_%s_%s_%s.%s", start.UTC().Format(nameLayout), end.UTC().Format(nameLayout), shortID(id), e.encoder.Ext())
	dir := e.outputDir
	switch {
	case output == "":
	case isDir(output):
		dir = output
	default:
		dir, name = filepath.Split(output)
		if dir == "" {
			dir = "."
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}
	return filepath.Join(dir, name), nil
}

func isDir(p string) bool {
	if os.IsPathSeparator(p[len(p)-1]) {
		return true
	}
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// shortID uuid v7 前 8 位是时间戳，取末 8 位区分同一时刻的请求
func shortID(id string) string {
	if len(id) < 8 {
		return id
	}
	return id[len(id)-8:]
}

// finish 保存记录，按需上传；上传失败保留本地文件
func (e *Engine) finish(ctx context.Context, req Request, res *Result) {
	if e.exporter != nil && (req.Upload || e.autoUpload) {
		ref, err := e.exporter.Export(ctx, res.Path)
		if err != nil {
			res.UploadError = err.Error()
			slog.ErrorContext(ctx, "export clip", "recording_id", res.RecordingID, "path", res.Path, "err", err)
		} else {
			res.RemoteRef = ref
		}
	}
	if e.recorder != nil {
		if err := e.recorder.Record(ctx, res); err != nil {
			slog.ErrorContext(ctx, "record clip", "recording_id", res.RecordingID, "err", err)
		}
	}
}

// ExtractMany 并发截取，每个请求独立成败，结果与请求一一对应
func (e *Engine) ExtractMany(ctx context.Context, reqs []Request) []Result {
	out := make([]Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, _ := e.Extract(ctx, req)
			out[i] = *res
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ExtractAround 以事件时间为中心截取，窗口尚未采集完时等待
func (e *Engine) ExtractAround(ctx context.Context, ev Event) (*Result, error) {
	req := ev.Request(e.eventDuration)
	e.waitFor(ctx, req.End)
	return e.Extract(ctx, req)
}

// waitFor 等待采集到 end，超过 futureWait 后按已有数据截取
func (e *Engine) waitFor(ctx context.Context, end time.Time) {
	if e.futureWait <= 0 || e.captured(end) {
		return
	}
	slog.InfoContext(ctx, "waiting for future frames", "until", end, "max_wait", e.futureWait)

	timer := time.NewTimer(e.futureWait)
	defer timer.Stop()
	tick := time.NewTicker(e.pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			slog.WarnContext(ctx, "timed out waiting for future frames", "until", end)
			return
		case <-tick.C:
			if e.captured(end) {
				return
			}
		}
	}
}

func (e *Engine) captured(end time.Time) bool {
	head, ok := e.store.Head()
	return ok && !head.End().Before(end)
}

// Wait 停止接受新的截取，等待进行中的截取完成
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("clip: extractions still running"), ctx.Err())
	}
}
