package recording

import (
	"context"
	"log/slog"
	"os"

	"github.com/ixugo/goddd/pkg/orm"
	"github.com/ixugo/goddd/pkg/reason"
	"github.com/jinzhu/copier"
	"gorm.io/gorm"
)

// RecordingStorer Instantiation interface
type RecordingStorer interface {
	Find(context.Context, *[]*Recording, orm.Pager, ...Scope) (int64, error)
	Get(context.Context, *Recording, string) error
	Add(context.Context, *Recording) error
	Edit(context.Context, string, func(*Recording)) (*Recording, error)
	Del(context.Context, string) (*Recording, error)

	Session(context.Context, ...func(*gorm.DB) error) error
}

// FindRecordings 分页查询片段列表，支持状态和时间范围筛选
func (c Core) FindRecordings(ctx context.Context, in *FindRecordingInput) ([]*Recording, int64, error) {
	scopes := []Scope{OrderBy("started_at DESC")}
	if in.Status != "" {
		scopes = append(scopes, Where("status = ?", in.Status))
	}
	if in.Uploaded != nil {
		if *in.Uploaded {
			scopes = append(scopes, Where("remote_ref <> ''"))
		} else {
			scopes = append(scopes, Where("remote_ref = ''"))
		}
	}
	if in.StartMs > 0 && in.EndMs > 0 {
		scopes = append(scopes, Where("started_at >= ? AND ended_at <= ?", in.StartAt(), in.EndAt()))
	}

	items := make([]*Recording, 0, in.Limit())
	total, err := c.store.Recording().Find(ctx, &items, in, scopes...)
	if err != nil {
		return nil, 0, reason.ErrDB.Withf(`Find in[%+v] err[%s]`, in, err.Error())
	}
	return items, total, nil
}

// GetRecording Query a single object
func (c Core) GetRecording(ctx context.Context, id string) (*Recording, error) {
	var out Recording
	if err := c.store.Recording().Get(ctx, &out, id); err != nil {
		if orm.IsErrRecordNotFound(err) {
			return nil, reason.ErrNotFound.Withf(`Get id[%v] err[%s]`, id, err.Error())
		}
		return nil, reason.ErrDB.Withf(`Get id[%v] err[%s]`, id, err.Error())
	}
	return &out, nil
}

// AddRecording Insert into database
func (c Core) AddRecording(ctx context.Context, in *AddRecordingInput) (*Recording, error) {
	var out Recording
	if err := copier.Copy(&out, in); err != nil {
		slog.ErrorContext(ctx, "Copy", "err", err)
	}
	out.CreatedAt = orm.Now()
	out.UpdatedAt = orm.Now()

	if err := c.store.Recording().Add(ctx, &out); err != nil {
		return nil, reason.ErrDB.Withf(`Add err[%s]`, err.Error())
	}
	return &out, nil
}

// EditRecording 更新上传结果
func (c Core) EditRecording(ctx context.Context, in *EditRecordingInput, id string) (*Recording, error) {
	out, err := c.store.Recording().Edit(ctx, id, func(b *Recording) {
		if err := copier.Copy(b, in); err != nil {
			slog.ErrorContext(ctx, "Copy", "err", err)
		}
		b.UpdatedAt = orm.Now()
	})
	if err != nil {
		if orm.IsErrRecordNotFound(err) {
			return nil, reason.ErrNotFound.Withf(`Edit id[%v] err[%s]`, id, err.Error())
		}
		return nil, reason.ErrDB.Withf(`Edit id[%v] err[%s]`, id, err.Error())
	}
	return out, nil
}

// DelRecording 删除记录和本地文件
func (c Core) DelRecording(ctx context.Context, id string) (*Recording, error) {
	out, err := c.store.Recording().Del(ctx, id)
	if err != nil {
		if orm.IsErrRecordNotFound(err) {
			return nil, reason.ErrNotFound.Withf(`Del id[%v] err[%s]`, id, err.Error())
		}
		return nil, reason.ErrDB.Withf(`Del id[%v] err[%s]`, id, err.Error())
	}
	if err := os.Remove(c.GetFullPath(out.Path)); err != nil && !os.IsNotExist(err) {
		slog.WarnContext(ctx, "remove clip file", "id", id, "path", out.Path, "err", err)
	}
	return out, nil
}

// UploadRecording 补传片段，成功与否都会记录结果
func (c Core) UploadRecording(ctx context.Context, id string) (*Recording, error) {
	if c.exporter == nil {
		return nil, reason.ErrBadRequest.SetMsg("archive upload is disabled")
	}
	rec, err := c.GetRecording(ctx, id)
	if err != nil {
		return nil, err
	}

	var in EditRecordingInput
	ref, uerr := c.exporter.Export(ctx, c.GetFullPath(rec.Path))
	if uerr != nil {
		in.RemoteRef = rec.RemoteRef
		in.UploadError = uerr.Error()
	} else {
		in.RemoteRef = ref
	}
	out, err := c.EditRecording(ctx, &in, id)
	if err != nil {
		return nil, err
	}
	if uerr != nil {
		return out, reason.ErrServer.SetMsg("upload failed: " + uerr.Error())
	}
	return out, nil
}

// GetTimeline 返回指定时间范围内的片段列表
func (c Core) GetTimeline(ctx context.Context, in *TimelineInput) ([]TimeRange, error) {
	if in.StartMs <= 0 || in.EndMs <= 0 {
		return nil, reason.ErrBadRequest.Withf("start_ms and end_ms are required")
	}

	var recordings []*Recording
	// 使用默认分页器避免 nil pointer
	pager := &defaultPager{limit: 1000}
	_, err := c.store.Recording().Find(ctx, &recordings, pager,
		OrderBy("started_at ASC"),
		// 与查询范围有重叠的片段
		Where("started_at < ? AND ended_at > ?", in.EndAt(), in.StartAt()),
	)
	if err != nil {
		return nil, reason.ErrDB.Withf(`GetTimeline err[%s]`, err.Error())
	}

	result := make([]TimeRange, 0, len(recordings))
	for _, r := range recordings {
		result = append(result, TimeRange{
			ID:         r.ID,
			StartMs:    r.StartedAt.UnixMilli(),
			EndMs:      r.EndedAt.UnixMilli(),
			Duration:   r.Duration,
			Status:     r.Status,
			Uploaded:   r.RemoteRef != "",
			DeleteFlag: r.DeleteFlag,
		})
	}
	return result, nil
}

// defaultPager 内部使用的分页器，避免传入 nil 导致空指针
type defaultPager struct {
	limit int
}

func (p *defaultPager) Offset() int { return 0 }
func (p *defaultPager) Limit() int  { return p.limit }
