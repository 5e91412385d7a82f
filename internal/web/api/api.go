package api

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gowvp/caprid/internal/core/buffer"
	"github.com/gowvp/caprid/internal/core/clip"
	"github.com/ixugo/goddd/pkg/reason"
	"github.com/ixugo/goddd/pkg/web"
)

var startRuntime = time.Now()

func setupRouter(r *gin.Engine, uc *Usecase) {
	r.Use(
		// 格式化输出到控制台，然后记录到日志
		gin.CustomRecovery(func(c *gin.Context, err any) {
			slog.ErrorContext(c.Request.Context(), "panic", "err", err, "stack", string(debug.Stack()))
			c.AbortWithStatus(http.StatusInternalServerError)
		}),
		web.Metrics(),
		web.Logger(
			web.IgnoreMethod(http.MethodOptions),
			web.IgnorePrefix("/health"),
		),
	)

	r.Use(cors.New(cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders: []string{
			"Accept", "Content-Length", "Content-Type", "Range",
			"Origin", "Authorization", "Accept-Encoding",
			"Cache-Control", "X-Requested-With", "X-Request-ID",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
		AllowOriginFunc: func(_ string) bool {
			return true
		},
	}))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"msg": "route not found"})
	})

	r.GET("/health", web.WrapH(uc.getHealth))

	// 片段文件和播放列表不压缩
	gz := gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPathsRegexs([]string{`^/clips/[^/]+/download$`, `\.m3u8$`}),
	)
	RegisterBuffer(r, uc.BufferAPI, gz)
	RegisterClip(r, uc.ClipAPI, gz)
	RegisterRecording(r, uc.RecordingAPI, gz)
}

type getHealthOutput struct {
	Version   string       `json:"version"`
	StartAt   time.Time    `json:"start_at"`
	Connected bool         `json:"connected"`
	Window    *buffer.Span `json:"window,omitempty"`
}

func (uc *Usecase) getHealth(_ *gin.Context, _ *struct{}) (getHealthOutput, error) {
	out := getHealthOutput{
		Version:   uc.Conf.BuildVersion,
		StartAt:   startRuntime,
		Connected: uc.Capture.Stats().Connected,
	}
	if w, ok := uc.Store.Window(); ok {
		out.Window = &w
	}
	return out, nil
}

// clipErr 截取错误转换为 http 错误
func clipErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, clip.ErrInvalidRange):
		return reason.ErrBadRequest.SetMsg(err.Error())
	case errors.Is(err, clip.ErrRangeNotRetained):
		return reason.ErrNotFound.SetMsg(err.Error())
	default:
		return reason.ErrServer.SetMsg(err.Error())
	}
}
