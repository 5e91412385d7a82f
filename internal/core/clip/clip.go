// Package clip 从滚动缓冲区中按绝对时间截取片段
package clip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gowvp/caprid/internal/core/buffer"
)

var (
	// ErrInvalidRange 请求的结束时间不晚于开始时间
	ErrInvalidRange = errors.New("clip: invalid range")
	// ErrRangeNotRetained 请求的时间段已过期或尚未采集
	ErrRangeNotRetained = errors.New("clip: range not retained")
	ErrEncode           = errors.New("clip: encode failed")
	ErrOutputWrite      = errors.New("clip: output write failed")
	// ErrClosed 引擎已开始关闭，不再接受新的截取
	ErrClosed = errors.New("clip: engine closed")
)

// Policy 部分命中时的处理方式
type Policy string

const (
	// PolicyClamp 收窄到可用范围并标记
	PolicyClamp Policy = "clamp"
	// PolicyStrict 收窄或出现断档即失败
	PolicyStrict Policy = "strict"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyClamp, PolicyStrict:
		return p, nil
	case "":
		return PolicyClamp, nil
	default:
		return "", fmt.Errorf("unknown partial policy %q", s)
	}
}

type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusEmpty   Status = "empty"
	StatusFailed  Status = "failed"
)

// Request 截取 [Start, End)
type Request struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// Output 输出文件或目录，为空时写入默认目录
	Output string `json:"output,omitempty"`
	Upload bool   `json:"upload,omitempty"`
}

func (r Request) Span() buffer.Span {
	return buffer.Span{Start: r.Start, End: r.End}
}

// Event 以事件时间为中心截取
type Event struct {
	At       time.Time
	Duration time.Duration
	Output   string
	Upload   bool
}

// Request 事件前后各一半时长
func (e Event) Request(def time.Duration) Request {
	d := e.Duration
	if d <= 0 {
		d = def
	}
	start := e.At.Add(-d / 2)
	return Request{Start: start, End: start.Add(d), Output: e.Output, Upload: e.Upload}
}

// Result 单个请求的结果，失败时 Err 不为空
type Result struct {
	RecordingID    string        `json:"recording_id"`
	Path           string        `json:"path,omitempty"`
	RequestedStart time.Time     `json:"requested_start"`
	RequestedEnd   time.Time     `json:"requested_end"`
	ActualStart    time.Time     `json:"actual_start"`
	ActualEnd      time.Time     `json:"actual_end"`
	Frames         int           `json:"frames"`
	Size           int64         `json:"size"`
	Clamped        bool          `json:"clamped"`
	Gaps           []buffer.Span `json:"gaps,omitempty"`
	Status         Status        `json:"status"`
	RemoteRef      string        `json:"remote_ref,omitempty"`
	UploadError    string        `json:"upload_error,omitempty"`
	Error          string        `json:"error,omitempty"`
	Err            error         `json:"-"`
}

func (r *Result) fail(err error) {
	r.Status = StatusFailed
	r.Err = err
	r.Error = err.Error()
}

// Duration 实际截取的时长
func (r *Result) Duration() time.Duration {
	return r.ActualEnd.Sub(r.ActualStart)
}

// Meta 编码器需要的片段信息
type Meta struct {
	RecordingID string
	Start       time.Time
	End         time.Time
	Frames      int
}

// Encoder 外部编码能力
type Encoder interface {
	// Ext 输出文件扩展名，不带点
	Ext() string
	Create(ctx context.Context, path string, meta Meta) (FrameWriter, error)
}

// FrameWriter 按顺序写入帧，Close 完成输出，Abort 放弃
type FrameWriter interface {
	WriteFrame(ref buffer.FrameRef, data []byte) error
	Close() error
	Abort()
}

// Recorder 保存截取记录
type Recorder interface {
	Record(ctx context.Context, res *Result) error
}

// Exporter 上传片段，返回远端地址
type Exporter interface {
	Export(ctx context.Context, path string) (string, error)
}
