package clip

import (
	"fmt"
	"sort"
	"time"

	"github.com/gowvp/caprid/internal/core/buffer"
)

// Plan 定位结果
type Plan struct {
	Requested buffer.Span
	// Actual 收窄到保留窗口后的范围
	Actual  buffer.Span
	Clamped bool
	// Extents 快照中与 Actual 相交的区段下标，按开始时间排序
	Extents []int
	Gaps    []buffer.Span
	// Empty 没有任何数据且允许空结果
	Empty bool
}

// Locator 在快照中查找与请求相交的区段
type Locator struct {
	Policy       Policy
	GapTolerance time.Duration
	AllowEmpty   bool
}

func NewLocator(policy Policy, gapTolerance time.Duration, allowEmpty bool) Locator {
	if policy == "" {
		policy = PolicyClamp
	}
	return Locator{Policy: policy, GapTolerance: gapTolerance, AllowEmpty: allowEmpty}
}

func validate(span buffer.Span) error {
	if span.Start.IsZero() || span.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidRange)
	}
	if !span.End.After(span.Start) {
		return fmt.Errorf("%w: end %s not after start %s", ErrInvalidRange, span.End.Format(time.RFC3339Nano), span.Start.Format(time.RFC3339Nano))
	}
	return nil
}

// Locate 半开区间语义，结束时间恰好等于 start 的区段不算命中
func (l Locator) Locate(snap *buffer.Snapshot, req buffer.Span) (Plan, error) {
	plan := Plan{Requested: req}
	if err := validate(req); err != nil {
		return plan, err
	}

	win := snap.Window
	actual := buffer.Span{Start: maxTime(req.Start, win.Start), End: minTime(req.End, win.End)}
	if win.IsZero() || !actual.End.After(actual.Start) {
		return l.notRetained(plan, req, win)
	}
	plan.Actual = actual
	plan.Clamped = !actual.Start.Equal(req.Start) || !actual.End.Equal(req.End)

	exts := snap.Extents
	hi := sort.Search(len(exts), func(i int) bool { return !exts[i].Start.Before(actual.End) })
	lo := sort.Search(hi, func(i int) bool { return !exts[i].Start.Before(actual.Start) })
	for lo > 0 && exts[lo-1].End.After(actual.Start) {
		lo--
	}
	var gaps gapTracker
	gaps.reset(actual, l.GapTolerance)
	for i := lo; i < hi; i++ {
		if !exts[i].Span().Overlaps(actual) {
			continue
		}
		plan.Extents = append(plan.Extents, i)
		gaps.add(exts[i].Span())
	}
	if len(plan.Extents) == 0 {
		return l.notRetained(plan, req, win)
	}
	plan.Gaps = gaps.finish()

	if l.Policy == PolicyStrict && plan.Clamped {
		return plan, fmt.Errorf("%w: requested [%s, %s), retained [%s, %s)", ErrRangeNotRetained,
			req.Start.Format(time.RFC3339Nano), req.End.Format(time.RFC3339Nano),
			win.Start.Format(time.RFC3339Nano), win.End.Format(time.RFC3339Nano))
	}
	return plan, nil
}

func (l Locator) notRetained(plan Plan, req, win buffer.Span) (Plan, error) {
	if l.AllowEmpty {
		plan.Empty = true
		plan.Clamped = true
		return plan, nil
	}
	if win.IsZero() {
		return plan, fmt.Errorf("%w: buffer is empty", ErrRangeNotRetained)
	}
	return plan, fmt.Errorf("%w: requested [%s, %s), retained [%s, %s)", ErrRangeNotRetained,
		req.Start.Format(time.RFC3339Nano), req.End.Format(time.RFC3339Nano),
		win.Start.Format(time.RFC3339Nano), win.End.Format(time.RFC3339Nano))
}

// gapTracker 按时间顺序累积覆盖范围，记录超过容忍度的空洞
type gapTracker struct {
	span      buffer.Span
	tolerance time.Duration
	cursor    time.Time
	gaps      []buffer.Span
}

func (g *gapTracker) reset(span buffer.Span, tolerance time.Duration) {
	*g = gapTracker{span: span, tolerance: tolerance, cursor: span.Start}
}

func (g *gapTracker) add(s buffer.Span) {
	if s.Start.Sub(g.cursor) > g.tolerance {
		g.gaps = append(g.gaps, buffer.Span{Start: g.cursor, End: s.Start})
	}
	if s.End.After(g.cursor) {
		g.cursor = s.End
	}
}

func (g *gapTracker) finish() []buffer.Span {
	if g.span.End.Sub(g.cursor) > g.tolerance {
		g.gaps = append(g.gaps, buffer.Span{Start: g.cursor, End: g.span.End})
	}
	return g.gaps
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
