// Package recordingdb 片段记录的 gorm 存储
package recordingdb

import (
	"context"

	"github.com/gowvp/caprid/internal/core/recording"
	"gorm.io/gorm"
)

var _ recording.Storer = DB{}

// DB Related business namespaces
type DB struct {
	db *gorm.DB
}

// NewDB instance object
func NewDB(db *gorm.DB) DB {
	return DB{db: db}
}

// Recording Get business instance
func (d DB) Recording() recording.RecordingStorer {
	return (*Recording)(d.db)
}

// AutoMigrate sync database
func (d DB) AutoMigrate(ok bool) DB {
	if !ok {
		return d
	}
	if err := d.db.AutoMigrate(
		new(recording.Recording),
	); err != nil {
		panic(err)
	}
	return d
}

func session(ctx context.Context, db *gorm.DB, fns ...func(*gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, fn := range fns {
			if err := fn(tx); err != nil {
				return err
			}
		}
		return nil
	})
}
