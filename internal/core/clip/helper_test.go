package clip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gowvp/caprid/internal/core/buffer"
)

var base = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

const tick = 100 * time.Millisecond

func frameAt(i int) time.Time {
	return base.Add(time.Duration(i) * tick)
}

func payloadOf(seq uint64) []byte {
	return []byte(fmt.Sprintf("frame-%06d", seq))
}

// feed 追加 [from, to) 帧，每帧之后执行 after
func feed(t *testing.T, s buffer.Store, from, to int, after ...func(buffer.Unit)) {
	t.Helper()
	for i := from; i < to; i++ {
		seq := uint64(i + 1)
		u := buffer.Unit{CapturedAt: frameAt(i), Seq: seq, Duration: tick, Payload: buffer.NewPayload(payloadOf(seq), nil)}
		if err := s.Append(u); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
		for _, fn := range after {
			fn(u)
		}
	}
}

func memoryStore(t *testing.T) buffer.Store {
	s := buffer.NewMemoryStore(4096)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func diskStore(t *testing.T) buffer.Store {
	s, err := buffer.OpenDiskStore(t.TempDir(), buffer.WithChunkDuration(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var stores = map[string]func(*testing.T) buffer.Store{
	"memory": memoryStore,
	"disk":   diskStore,
}

// readClip 读取 RecordEncoder 输出的全部帧头，同时校验内容
func readClip(t *testing.T, path string) []buffer.RecordHeader {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := buffer.NewRecordReader(bufio.NewReader(f))
	if err != nil {
		t.Fatal(err)
	}
	var out []buffer.RecordHeader
	for {
		h, p, err := r.Next(true)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		if string(p) != string(payloadOf(h.Seq)) {
			t.Fatalf("seq %d payload %q", h.Seq, p)
		}
		out = append(out, h)
	}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// hookEncoder 在写入第 n 帧时回调
type hookEncoder struct {
	RecordEncoder
	at   int
	hook func() error
}

func (h hookEncoder) Create(ctx context.Context, path string, meta Meta) (FrameWriter, error) {
	w, err := h.RecordEncoder.Create(ctx, path, meta)
	if err != nil {
		return nil, err
	}
	return &hookWriter{FrameWriter: w, at: h.at, hook: h.hook}, nil
}

type hookWriter struct {
	FrameWriter
	n    int
	at   int
	hook func() error
}

func (w *hookWriter) WriteFrame(ref buffer.FrameRef, data []byte) error {
	w.n++
	if w.n == w.at {
		if err := w.hook(); err != nil {
			return err
		}
	}
	return w.FrameWriter.WriteFrame(ref, data)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []Result
}

func (m *memRecorder) Record(_ context.Context, res *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, *res)
	return nil
}

type fakeExporter struct {
	err error
}

func (f fakeExporter) Export(_ context.Context, path string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "mem://" + path, nil
}
