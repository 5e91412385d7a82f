package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gowvp/caprid/internal/conf"
	"github.com/gowvp/caprid/internal/core/buffer"
	"github.com/gowvp/caprid/internal/core/capture"
	"github.com/ixugo/goddd/pkg/reason"
	"github.com/ixugo/goddd/pkg/web"
)

// BufferAPI 查询缓冲区状态
type BufferAPI struct {
	store        buffer.Store
	capture      *capture.Loop
	window       time.Duration
	gapTolerance time.Duration
}

func NewBufferAPI(bc *conf.Bootstrap, store buffer.Store, loop *capture.Loop) BufferAPI {
	return BufferAPI{
		store:        store,
		capture:      loop,
		window:       bc.Buffer.Window(),
		gapTolerance: bc.Buffer.GapTolerance.Duration(),
	}
}

func RegisterBuffer(g gin.IRouter, api BufferAPI, handler ...gin.HandlerFunc) {
	group := g.Group("/buffer", handler...)
	group.GET("", web.WrapH(api.getBuffer))
	group.GET("/timeline", web.WrapH(api.getTimeline))
}

type getBufferOutput struct {
	WindowSeconds float64       `json:"window_seconds"` // 配置的保留时长
	Retained      *buffer.Span  `json:"retained,omitempty"`
	Head          *headOutput   `json:"head,omitempty"`
	Store         buffer.Stats  `json:"store"`
	Capture       capture.Stats `json:"capture"`
}

type headOutput struct {
	Seq        uint64    `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`
}

func (a BufferAPI) getBuffer(_ *gin.Context, _ *struct{}) (*getBufferOutput, error) {
	out := getBufferOutput{
		WindowSeconds: a.window.Seconds(),
		Store:         a.store.Stats(),
	}
	if a.capture != nil {
		out.Capture = a.capture.Stats()
	}
	if w, ok := a.store.Window(); ok {
		out.Retained = &w
	}
	if h, ok := a.store.Head(); ok {
		out.Head = &headOutput{Seq: h.Seq, CapturedAt: h.CapturedAt}
	}
	return &out, nil
}

type bufferTimelineInput struct {
	web.DateFilter
}

// TimeRange 一段连续覆盖
type TimeRange struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
	Frames  int   `json:"frames"`
	Bytes   int64 `json:"bytes"`
}

// getTimeline 返回缓冲区内的连续覆盖区间，间隔超过断档阈值时拆分
func (a BufferAPI) getTimeline(_ *gin.Context, in *bufferTimelineInput) (any, error) {
	window, ok := a.store.Window()
	if !ok {
		return gin.H{"items": []TimeRange{}}, nil
	}
	span := window
	if in.StartMs > 0 && in.EndMs > 0 {
		if in.EndMs <= in.StartMs {
			return nil, reason.ErrBadRequest.SetMsg("end_ms must be after start_ms")
		}
		span = buffer.Span{Start: in.StartAt(), End: in.EndAt()}
	}

	snap, err := a.store.Snapshot(span)
	if err != nil {
		return nil, reason.ErrServer.SetMsg(err.Error())
	}
	defer snap.Release()
	return gin.H{
		"window": snap.Window,
		"items":  mergeExtents(snap.Extents, a.gapTolerance),
	}, nil
}

// mergeExtents 合并首尾相接的区段
func mergeExtents(exts []buffer.Extent, tolerance time.Duration) []TimeRange {
	out := make([]TimeRange, 0, 8)
	var curEnd time.Time
	for _, e := range exts {
		if n := len(out); n > 0 && e.Start.Sub(curEnd) <= tolerance {
			cur := &out[n-1]
			if e.End.After(curEnd) {
				curEnd = e.End
				cur.EndMs = e.End.UnixMilli()
			}
			cur.Frames += e.Frames
			cur.Bytes += e.Size
			continue
		}
		out = append(out, TimeRange{
			StartMs: e.Start.UnixMilli(),
			EndMs:   e.End.UnixMilli(),
			Frames:  e.Frames,
			Bytes:   e.Size,
		})
		curEnd = e.End
	}
	return out
}
