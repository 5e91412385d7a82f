package clip

import (
	"bufio"
	"context"
	"errors"
	"os"

	"github.com/gowvp/caprid/internal/core/buffer"
)

// RecordEncoder 不转码，按缓冲区的记录格式原样输出
type RecordEncoder struct{}

var _ Encoder = RecordEncoder{}

func (RecordEncoder) Ext() string { return "rbk" }

func (RecordEncoder) Create(_ context.Context, path string, _ Meta) (FrameWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 256<<10)
	rw, err := buffer.NewRecordWriter(bw)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &recordFrameWriter{f: f, bw: bw, rw: rw}, nil
}

type recordFrameWriter struct {
	f  *os.File
	bw *bufio.Writer
	rw *buffer.RecordWriter
}

func (w *recordFrameWriter) WriteFrame(ref buffer.FrameRef, data []byte) error {
	_, err := w.rw.WriteRecord(ref.CapturedAt, ref.Seq, ref.Duration, data)
	return err
}

func (w *recordFrameWriter) Close() error {
	return errors.Join(w.bw.Flush(), w.f.Sync(), w.f.Close())
}

func (w *recordFrameWriter) Abort() {
	_ = w.f.Close()
}
