package recording

import (
	"github.com/ixugo/goddd/pkg/orm"
	"github.com/ixugo/goddd/pkg/web"
)

type FindRecordingInput struct {
	web.PagerFilter
	web.DateFilter
	Status   string `form:"status"`   // ok/partial
	Uploaded *bool  `form:"uploaded"` // 是否已上传
}

type EditRecordingInput struct {
	RemoteRef   string `json:"remote_ref"`
	UploadError string `json:"upload_error"`
}

type AddRecordingInput struct {
	ID               string   `json:"id"`
	Path             string   `json:"path"`
	RequestedStartAt orm.Time `json:"requested_start_at"`
	RequestedEndAt   orm.Time `json:"requested_end_at"`
	StartedAt        orm.Time `json:"started_at"`
	EndedAt          orm.Time `json:"ended_at"`
	Duration         float64  `json:"duration"`
	Frames           int      `json:"frames"`
	Size             int64    `json:"size"`
	Status           string   `json:"status"`
	Clamped          bool     `json:"clamped"`
	Gaps             int      `json:"gaps"`
	RemoteRef        string   `json:"remote_ref"`
	UploadError      string   `json:"upload_error"`
}

// TimelineInput 时间轴查询参数
type TimelineInput struct {
	web.DateFilter
}
