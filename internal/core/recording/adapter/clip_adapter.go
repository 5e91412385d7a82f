package adapter

import (
	"context"

	"github.com/gowvp/caprid/internal/core/clip"
	"github.com/gowvp/caprid/internal/core/recording"
	"github.com/ixugo/goddd/pkg/orm"
)

var _ clip.Recorder = (*ClipRecorder)(nil)

// ClipRecorder 实现 clip.Recorder，把截取结果写入片段记录
type ClipRecorder struct {
	core recording.Core
}

// NewClipRecorder 记录关闭时返回 nil，截取引擎不再保存结果
func NewClipRecorder(core recording.Core) clip.Recorder {
	if !core.IsEnabled() {
		return nil
	}
	return &ClipRecorder{core: core}
}

func (r *ClipRecorder) Record(ctx context.Context, res *clip.Result) error {
	_, err := r.core.AddRecording(ctx, ToAddInput(res))
	return err
}

// ToAddInput 截取结果转换为记录
func ToAddInput(res *clip.Result) *recording.AddRecordingInput {
	return &recording.AddRecordingInput{
		ID:               res.RecordingID,
		Path:             res.Path,
		RequestedStartAt: orm.Time{Time: res.RequestedStart},
		RequestedEndAt:   orm.Time{Time: res.RequestedEnd},
		StartedAt:        orm.Time{Time: res.ActualStart},
		EndedAt:          orm.Time{Time: res.ActualEnd},
		Duration:         res.Duration().Seconds(),
		Frames:           res.Frames,
		Size:             res.Size,
		Status:           string(res.Status),
		Clamped:          res.Clamped,
		Gaps:             len(res.Gaps),
		RemoteRef:        res.RemoteRef,
		UploadError:      res.UploadError,
	}
}
