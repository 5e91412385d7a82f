package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gowvp/caprid/internal/core/recording"
	"github.com/grafov/m3u8"
	"github.com/ixugo/goddd/pkg/reason"
	"github.com/ixugo/goddd/pkg/web"
)

// RecordingAPI 已导出片段的记录
type RecordingAPI struct {
	recordingCore recording.Core
}

func NewRecordingAPI(core recording.Core) RecordingAPI {
	return RecordingAPI{recordingCore: core}
}

func RegisterRecording(g gin.IRouter, api RecordingAPI, handler ...gin.HandlerFunc) {
	group := g.Group("/clips", handler...)
	group.GET("", web.WrapH(api.findRecordings))
	group.GET("/timeline", web.WrapH(api.getTimeline))
	// 时间范围内片段的 VOD 播放列表
	group.GET("/index.m3u8", api.playlist)
	group.GET("/:id", web.WrapH(api.getRecording))
	group.DELETE("/:id", web.WrapH(api.delRecording))
	group.POST("/:id/upload", web.WrapH(api.uploadRecording))
	group.GET("/:id/download", api.downloadRecording)
}

// findRecordings 分页查询片段记录
func (a RecordingAPI) findRecordings(c *gin.Context, in *recording.FindRecordingInput) (any, error) {
	items, total, err := a.recordingCore.FindRecordings(c.Request.Context(), in)
	return gin.H{"items": items, "total": total}, err
}

func (a RecordingAPI) getTimeline(c *gin.Context, in *recording.TimelineInput) (any, error) {
	items, err := a.recordingCore.GetTimeline(c.Request.Context(), in)
	return gin.H{"items": items}, err
}

func (a RecordingAPI) getRecording(c *gin.Context, _ *struct{}) (*recording.Recording, error) {
	return a.recordingCore.GetRecording(c.Request.Context(), c.Param("id"))
}

// delRecording 删除记录和本地文件，已上传的远端对象保留
func (a RecordingAPI) delRecording(c *gin.Context, _ *struct{}) (*recording.Recording, error) {
	return a.recordingCore.DelRecording(c.Request.Context(), c.Param("id"))
}

// uploadRecording 补传片段
func (a RecordingAPI) uploadRecording(c *gin.Context, _ *struct{}) (*recording.Recording, error) {
	return a.recordingCore.UploadRecording(c.Request.Context(), c.Param("id"))
}

// downloadRecording 下载片段文件，支持 Range
func (a RecordingAPI) downloadRecording(c *gin.Context) {
	rec, err := a.recordingCore.GetRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		web.Fail(c, err)
		return
	}

	filePath := a.recordingCore.GetFullPath(rec.Path)
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		web.Fail(c, reason.ErrNotFound.SetMsg("clip file not found"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(filePath)))
	c.File(filePath)
}

// playlist 时间范围内的片段生成 m3u8，片段地址指向下载接口
// 路径: /clips/index.m3u8?start_ms=xxx&end_ms=xxx
func (a RecordingAPI) playlist(c *gin.Context) {
	startMs, _ := strconv.ParseInt(c.Query("start_ms"), 10, 64)
	endMs, _ := strconv.ParseInt(c.Query("end_ms"), 10, 64)
	if startMs <= 0 || endMs <= 0 {
		web.Fail(c, reason.ErrBadRequest.SetMsg("start_ms and end_ms are required"))
		return
	}

	in := recording.FindRecordingInput{
		PagerFilter: web.PagerFilter{Page: 1, Size: 1000},
		DateFilter:  web.DateFilter{StartMs: startMs, EndMs: endMs},
	}
	recs, _, err := a.recordingCore.FindRecordings(c.Request.Context(), &in)
	if err != nil {
		web.Fail(c, err)
		return
	}
	if len(recs) == 0 {
		web.Fail(c, reason.ErrNotFound.SetMsg("no clips found in time range"))
		return
	}

	body, err := buildPlaylist(recs)
	if err != nil {
		web.Fail(c, reason.ErrServer.SetMsg(err.Error()))
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", []byte(body))
}

// buildPlaylist 片段按开始时间升序排列，片段之间时间戳不连续
func buildPlaylist(recs []*recording.Recording) (string, error) {
	pl, err := m3u8.NewMediaPlaylist(0, uint(len(recs)))
	if err != nil {
		return "", err
	}
	pl.MediaType = m3u8.VOD

	sorted := make([]*recording.Recording, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.Before(sorted[j].StartedAt.Time)
	})

	for i, rec := range sorted {
		if err := pl.Append("/clips/"+rec.ID+"/download", rec.Duration, ""); err != nil {
			return "", err
		}
		if i > 0 {
			_ = pl.SetDiscontinuity()
		}
	}
	pl.Close()
	return pl.String(), nil
}
