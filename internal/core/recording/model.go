package recording

import "github.com/ixugo/goddd/pkg/orm"

// Recording 一次截取生成的片段
type Recording struct {
	ID               string   `gorm:"primaryKey" json:"id"`                                // recording_id
	Path             string   `gorm:"column:path" json:"path"`                             // 本地文件路径
	RequestedStartAt orm.Time `gorm:"column:requested_start_at" json:"requested_start_at"` // 请求开始时间
	RequestedEndAt   orm.Time `gorm:"column:requested_end_at" json:"requested_end_at"`     // 请求结束时间
	StartedAt        orm.Time `gorm:"column:started_at;index" json:"started_at"`           // 实际开始时间
	EndedAt          orm.Time `gorm:"column:ended_at" json:"ended_at"`                     // 实际结束时间
	Duration         float64  `gorm:"column:duration" json:"duration"`                     // 时长（秒）
	Frames           int      `gorm:"column:frames" json:"frames"`                         // 帧数
	Size             int64    `gorm:"column:size" json:"size"`                             // 文件大小（字节）
	Status           string   `gorm:"column:status;index" json:"status"`                   // ok/partial
	Clamped          bool     `gorm:"column:clamped" json:"clamped"`                       // 是否被收窄
	Gaps             int      `gorm:"column:gaps" json:"gaps"`                             // 断档数量
	RemoteRef        string   `gorm:"column:remote_ref" json:"remote_ref"`                 // 远端地址
	UploadError      string   `gorm:"column:upload_error" json:"upload_error"`             // 最近一次上传错误
	DeleteFlag       bool     `gorm:"column:delete_flag" json:"delete_flag"`               // 待删除标记
	CreatedAt        orm.Time `gorm:"column:created_at" json:"created_at"`                 // 创建时间
	UpdatedAt        orm.Time `gorm:"column:updated_at" json:"updated_at"`                 // 更新时间
}

func (*Recording) TableName() string {
	return "recordings"
}

// TimeRange 时间轴数据项
type TimeRange struct {
	ID         string  `json:"id"`       // 片段 ID
	StartMs    int64   `json:"start_ms"` // 开始时间（毫秒时间戳）
	EndMs      int64   `json:"end_ms"`   // 结束时间（毫秒时间戳）
	Duration   float64 `json:"duration"` // 时长（秒）
	Status     string  `json:"status"`
	Uploaded   bool    `json:"uploaded"`
	DeleteFlag bool    `json:"delete_flag"` // 1 小时内将被清理
}
