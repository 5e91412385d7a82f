package api

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gowvp/caprid/internal/conf"
	"github.com/gowvp/caprid/internal/core/clip"
	"github.com/ixugo/goddd/pkg/reason"
	"github.com/ixugo/goddd/pkg/web"
)

// ClipAPI 按时间截取片段
type ClipAPI struct {
	engine    *clip.Engine
	outputDir string
}

func NewClipAPI(bc *conf.Bootstrap, engine *clip.Engine) ClipAPI {
	return ClipAPI{engine: engine, outputDir: AbsPath(bc.Extract.OutputDir)}
}

func RegisterClip(g gin.IRouter, api ClipAPI, handler ...gin.HandlerFunc) {
	group := g.Group("/clips", handler...)
	group.POST("", web.WrapH(api.extract))
	group.POST("/event", web.WrapH(api.extractAround))
}

type clipItem struct {
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Output  string `json:"output"` // 相对输出目录的文件名或子目录，以 / 结尾表示目录
}

type extractInput struct {
	Items  []clipItem `json:"items"`
	Upload bool       `json:"upload"`
}

type extractOutput struct {
	Items  []clip.Result `json:"items"`
	Failed int           `json:"failed"`
}

// extract 批量截取，单个失败不影响其它请求
func (a ClipAPI) extract(c *gin.Context, in *extractInput) (*extractOutput, error) {
	if len(in.Items) == 0 {
		return nil, reason.ErrBadRequest.SetMsg("items is required")
	}
	reqs := make([]clip.Request, len(in.Items))
	for i, item := range in.Items {
		output, err := a.resolveOutput(item.Output)
		if err != nil {
			return nil, err
		}
		reqs[i] = clip.Request{
			Start:  time.UnixMilli(item.StartMs),
			End:    time.UnixMilli(item.EndMs),
			Output: output,
			Upload: in.Upload,
		}
	}

	results := a.engine.ExtractMany(c.Request.Context(), reqs)
	out := extractOutput{Items: results}
	for _, r := range results {
		if r.Status == clip.StatusFailed {
			out.Failed++
		}
	}
	return &out, nil
}

type extractAroundInput struct {
	EventMs   int64   `json:"event_ms"`
	DurationS float64 `json:"duration_s"` // 默认 extract.event_seconds
	Output    string  `json:"output"`
	Upload    bool    `json:"upload"`
}

// extractAround 以事件时间为中心截取，事件窗口未采集完时会等待
func (a ClipAPI) extractAround(c *gin.Context, in *extractAroundInput) (*clip.Result, error) {
	if in.EventMs <= 0 {
		return nil, reason.ErrBadRequest.SetMsg("event_ms is required")
	}
	if in.DurationS < 0 {
		return nil, reason.ErrBadRequest.SetMsg("duration_s must not be negative")
	}
	output, err := a.resolveOutput(in.Output)
	if err != nil {
		return nil, err
	}
	res, err := a.engine.ExtractAround(c.Request.Context(), clip.Event{
		At:       time.UnixMilli(in.EventMs),
		Duration: time.Duration(in.DurationS * float64(time.Second)),
		Output:   output,
		Upload:   in.Upload,
	})
	if err != nil {
		return nil, clipErr(err)
	}
	return res, nil
}

// resolveOutput 限制在输出目录内
func (a ClipAPI) resolveOutput(output string) (string, error) {
	if output == "" {
		return "", nil
	}
	dir := strings.HasSuffix(output, "/")
	clean := filepath.Clean(filepath.FromSlash(output))
	if !filepath.IsLocal(clean) {
		return "", reason.ErrBadRequest.SetMsg("output must be a relative path inside the output dir")
	}
	p := filepath.Join(a.outputDir, clean)
	if dir {
		p += string(filepath.Separator)
	}
	return p, nil
}
