package recordingdb

import (
	"context"

	"github.com/gowvp/caprid/internal/core/recording"
	"github.com/ixugo/goddd/pkg/orm"
	"gorm.io/gorm"
)

var _ recording.RecordingStorer = (*Recording)(nil)

// Recording Related business namespaces
type Recording gorm.DB

func (r *Recording) db(ctx context.Context) *gorm.DB {
	return (*gorm.DB)(r).WithContext(ctx)
}

// Find implements recording.RecordingStorer.
func (r *Recording) Find(ctx context.Context, out *[]*recording.Recording, pager orm.Pager, scopes ...recording.Scope) (int64, error) {
	var total int64
	query := func() *gorm.DB {
		return r.db(ctx).Model(new(recording.Recording)).Scopes(scopes...)
	}
	if err := query().Count(&total).Error; err != nil || total == 0 {
		return total, err
	}
	db := query()
	if pager != nil {
		db = db.Offset(pager.Offset()).Limit(pager.Limit())
	}
	return total, db.Find(out).Error
}

// Get implements recording.RecordingStorer.
func (r *Recording) Get(ctx context.Context, out *recording.Recording, id string) error {
	return r.db(ctx).Where("id=?", id).First(out).Error
}

// Add implements recording.RecordingStorer.
func (r *Recording) Add(ctx context.Context, in *recording.Recording) error {
	return r.db(ctx).Create(in).Error
}

// Edit implements recording.RecordingStorer.
func (r *Recording) Edit(ctx context.Context, id string, changeFn func(*recording.Recording)) (*recording.Recording, error) {
	var out recording.Recording
	err := session(ctx, (*gorm.DB)(r), func(tx *gorm.DB) error {
		if err := tx.Where("id=?", id).First(&out).Error; err != nil {
			return err
		}
		changeFn(&out)
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Del implements recording.RecordingStorer.
func (r *Recording) Del(ctx context.Context, id string) (*recording.Recording, error) {
	var out recording.Recording
	err := session(ctx, (*gorm.DB)(r), func(tx *gorm.DB) error {
		if err := tx.Where("id=?", id).First(&out).Error; err != nil {
			return err
		}
		return tx.Delete(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Session implements recording.RecordingStorer.
func (r *Recording) Session(ctx context.Context, changeFns ...func(*gorm.DB) error) error {
	return session(ctx, (*gorm.DB)(r), changeFns...)
}
