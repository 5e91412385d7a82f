package app

import (
	"fmt"

	"github.com/gowvp/caprid/internal/conf"
	"github.com/gowvp/caprid/internal/core/buffer"
	"github.com/gowvp/caprid/internal/core/clip"
	"github.com/gowvp/caprid/internal/core/recording"
	"github.com/gowvp/caprid/internal/web/api"
)

// Offline 独立进程只读访问正在写入的磁盘缓冲区
type Offline struct {
	Store  *buffer.DiskStore
	Engine *clip.Engine

	cleanup func()
}

// OpenOffline 只支持 disk 模式，memory 模式的数据只存在于服务进程中
// 片段记录由服务进程维护，这里不写数据库
func OpenOffline(bc *conf.Bootstrap) (*Offline, error) {
	if bc.Buffer.Mode != conf.BufferModeDisk {
		return nil, fmt.Errorf("buffer mode %q is only reachable through the http api", bc.Buffer.Mode)
	}
	store, err := buffer.OpenDiskStore(api.AbsPath(bc.Buffer.Dir),
		buffer.WithReadOnly(),
		buffer.WithChunkDuration(bc.Buffer.Chunk()),
		buffer.WithRetainedWindow(bc.Buffer.Window()),
	)
	if err != nil {
		return nil, fmt.Errorf("open buffer dir: %w", err)
	}
	enc, err := api.NewEncoder(bc)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	exporter, closeExporter, err := api.NewExporter(bc)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	noRecord := recording.NewCore(nil, recording.WithConfig(&conf.ServerRecording{Disabled: true}))
	engine, err := api.NewClipEngine(bc, store, enc, noRecord, exporter)
	if err != nil {
		closeExporter()
		_ = store.Close()
		return nil, err
	}
	return &Offline{
		Store:  store,
		Engine: engine,
		cleanup: func() {
			closeExporter()
			_ = store.Close()
		},
	}, nil
}

func (o *Offline) Close() {
	o.cleanup()
}
