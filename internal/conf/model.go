package conf

import (
	"fmt"
	"time"
)

// Bootstrap 配置文件根节点
type Bootstrap struct {
	Server  Server  `toml:"server" comment:"服务配置"`
	Log     Log     `toml:"log" comment:"日志配置"`
	Data    Data    `toml:"data" comment:"数据库配置"`
	Capture Capture `toml:"capture" comment:"摄像头采集配置"`
	Buffer  Buffer  `toml:"buffer" comment:"滚动缓冲区配置，重启后生效"`
	Extract Extract `toml:"extract" comment:"片段提取配置"`
	Archive Archive `toml:"archive" comment:"远端归档配置"`

	BuildVersion string `toml:"-"`
	Debug        bool   `toml:"-"`
	ConfigDir    string `toml:"-"`
	ConfigPath   string `toml:"-"`
}

type Server struct {
	Debug     bool            `toml:"debug" comment:"调试模式，日志以文本输出"`
	HTTP      ServerHTTP      `toml:"http"`
	Recording ServerRecording `toml:"recording" comment:"已导出片段的保留策略"`
}

type ServerHTTP struct {
	Port    int      `toml:"port" comment:"http 端口"`
	Timeout Duration `toml:"timeout" comment:"读取请求超时时间"`
}

// ServerRecording 片段记录与文件的清理配置
type ServerRecording struct {
	Disabled           bool    `toml:"disabled" comment:"关闭片段记录"`
	RetainDays         int     `toml:"retain_days" comment:"片段文件保留天数，0 表示不按时间清理"`
	DiskUsageThreshold float64 `toml:"disk_usage_threshold" comment:"磁盘使用率阈值(百分比)，超过后删除最旧片段"`
}

type Log struct {
	Dir          string   `toml:"dir" comment:"日志目录"`
	Level        string   `toml:"level" comment:"debug/info/warn/error"`
	MaxAge       Duration `toml:"max_age" comment:"日志保留时间"`
	RotationTime Duration `toml:"rotation_time" comment:"日志切割周期"`
}

type Data struct {
	Database Database `toml:"database"`
}

type Database struct {
	Dsn             string   `toml:"dsn" comment:"sqlite 文件路径，或 postgres:// mysql:// 开头的连接串"`
	MaxIdleConns    int32    `toml:"max_idle_conns"`
	MaxOpenConns    int32    `toml:"max_open_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
	SlowThreshold   Duration `toml:"slow_threshold"`
}

// Capture 拉流参数
type Capture struct {
	RTSPURL       string   `toml:"rtsp_url" comment:"摄像头地址"`
	Transport     string   `toml:"transport" comment:"tcp/udp"`
	Width         int      `toml:"width"`
	Height        int      `toml:"height"`
	FPS           int      `toml:"fps" comment:"期望帧率，用于估算缓冲容量和帧时长"`
	UseWallClock  bool     `toml:"use_wall_clock"`
	HWAccel       string   `toml:"hw_accel" comment:"硬件加速，例如 cuda/vaapi，空串表示软解"`
	StallTimeout  Duration `toml:"stall_timeout" comment:"超过该时间没有收到帧视为断流"`
	RetryDelay    Duration `toml:"retry_delay" comment:"重连初始等待"`
	MaxRetryDelay Duration `toml:"max_retry_delay" comment:"重连最大等待"`
}

// Buffer 滚动缓冲区
type Buffer struct {
	Mode               string   `toml:"mode" comment:"memory 或 disk"`
	WindowSeconds      int      `toml:"window_seconds" comment:"保留时长(秒)"`
	GraceSeconds       int      `toml:"grace_seconds" comment:"清理宽限(秒)"`
	ChunkSeconds       int      `toml:"chunk_seconds" comment:"disk 模式下单个分块时长(秒)"`
	Dir                string   `toml:"dir" comment:"disk 模式分块目录"`
	Headroom           float64  `toml:"headroom" comment:"memory 模式容量冗余比例"`
	SweepInterval      Duration `toml:"sweep_interval" comment:"定时清理周期"`
	GapTolerance       Duration `toml:"gap_tolerance" comment:"相邻帧间隔超过该值视为断档"`
	DiskUsageThreshold float64  `toml:"disk_usage_threshold" comment:"disk 模式磁盘使用率阈值(百分比)，0 表示关闭"`
}

// Window 返回保留窗口
func (b Buffer) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// Grace 返回清理宽限
func (b Buffer) Grace() time.Duration {
	return time.Duration(b.GraceSeconds) * time.Second
}

// Chunk 返回分块时长
func (b Buffer) Chunk() time.Duration {
	return time.Duration(b.ChunkSeconds) * time.Second
}

// Extract 提取引擎
type Extract struct {
	OutputDir     string   `toml:"output_dir" comment:"片段输出目录"`
	EventSeconds  int      `toml:"event_seconds" comment:"按事件时间提取时的默认时长(秒)"`
	FutureWait    Duration `toml:"future_wait" comment:"事件窗口未采集完成时的最长等待"`
	PartialPolicy string   `toml:"partial_policy" comment:"clamp: 截取可用部分; strict: 不完整即失败"`
	AllowEmpty    bool     `toml:"allow_empty" comment:"区间完全不在缓冲区内时返回空结果而不是报错"`
	Timeout       Duration `toml:"timeout" comment:"单个提取任务超时"`
	Concurrency   int      `toml:"concurrency" comment:"批量提取并发数"`
	Encoder       Encoder  `toml:"encoder"`
}

type Encoder struct {
	Kind   string `toml:"kind" comment:"ffmpeg: 编码为 mp4; record: 原始帧容器"`
	Codec  string `toml:"codec"`
	Preset string `toml:"preset"`
	CRF    int    `toml:"crf"`
}

// Archive 片段上传
type Archive struct {
	Enabled        bool     `toml:"enabled"`
	AutoUpload     bool     `toml:"auto_upload" comment:"提取成功后自动上传"`
	Provider       string   `toml:"provider" comment:"gcs 或 dir"`
	Bucket         string   `toml:"bucket" comment:"gcs bucket"`
	Credentials    string   `toml:"credentials" comment:"gcs 凭证文件，空串使用默认凭证"`
	Dir            string   `toml:"dir" comment:"dir 模式的目标目录"`
	Prefix         string   `toml:"prefix" comment:"对象前缀"`
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

// Duration 支持 "10s" "1m30s" 形式的时长
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}
