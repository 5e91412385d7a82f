package buffer

import (
	"sync/atomic"
	"time"
)

// Span 半开区间 [Start, End)
type Span struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s Span) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Overlaps 判断两个半开区间是否相交，端点相接不算相交
func (s Span) Overlaps(o Span) bool {
	return s.Start.Before(o.End) && s.End.After(o.Start)
}

// Contains t ∈ [Start, End)
func (s Span) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

func (s Span) IsZero() bool {
	return s.Start.IsZero() && s.End.IsZero()
}

// Payload 帧数据，引用计数归零时交还给 free
type Payload struct {
	data []byte
	refs atomic.Int32
	free func([]byte)
}

// NewPayload 创建持有一个引用的帧数据，free 可为 nil
func NewPayload(data []byte, free func([]byte)) *Payload {
	p := Payload{data: data, free: free}
	p.refs.Store(1)
	return &p
}

func (p *Payload) Bytes() []byte {
	return p.data
}

func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.data)
}

// Ref 增加引用
func (p *Payload) Ref() *Payload {
	p.refs.Add(1)
	return p
}

// Release 释放引用，最后一个引用释放时回收内存
func (p *Payload) Release() {
	if p == nil {
		return
	}
	switch n := p.refs.Add(-1); {
	case n == 0:
		if p.free != nil {
			p.free(p.data)
		}
		p.data = nil
	case n < 0:
		panic("buffer: payload released more times than referenced")
	}
}

// Unit 一帧数据，写入后不可修改
type Unit struct {
	CapturedAt time.Time
	Seq        uint64
	Duration   time.Duration
	Payload    *Payload
}

func (u Unit) End() time.Time {
	return u.CapturedAt.Add(u.Duration)
}

// FrameRef 快照中的帧描述，数据通过 Snapshot.Read 读取
type FrameRef struct {
	Seq        uint64
	CapturedAt time.Time
	Duration   time.Duration
	Size       int

	extent  int
	offset  int64
	payload *Payload
}

func (r FrameRef) End() time.Time {
	return r.CapturedAt.Add(r.Duration)
}

// Extent 存储中一段连续的帧，memory 模式下为单帧，disk 模式下为一个分块文件
type Extent struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	FirstSeq uint64    `json:"first_seq"`
	LastSeq  uint64    `json:"last_seq"`
	Frames   int       `json:"frames"`
	Size     int64     `json:"size"`
	Sealed   bool      `json:"sealed"`
	Name     string    `json:"name,omitempty"`
}

func (e Extent) Span() Span {
	return Span{Start: e.Start, End: e.End}
}

// Stats 存储概况
type Stats struct {
	Mode    string `json:"mode"`
	Window  Span   `json:"window"`
	Frames  int    `json:"frames"`
	Extents int    `json:"extents"`
	Bytes   int64  `json:"bytes"`
	LastSeq uint64 `json:"last_seq"`
}
