package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gowvp/caprid/internal/core/buffer"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	frames  []*Frame
	tail    error
	stopped atomic.Int32
}

func (f *fakeSource) Start() error { return nil }

func (f *fakeSource) Next(time.Duration) (*Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil, f.tail
	}
	fr := f.frames[0]
	f.frames = f.frames[1:]
	return fr, nil
}

func (f *fakeSource) Stop() error {
	f.stopped.Add(1)
	return nil
}

func framesAt(offsets ...time.Duration) []*Frame {
	out := make([]*Frame, 0, len(offsets))
	for i, off := range offsets {
		out = append(out, &Frame{CapturedAt: t0.Add(off), Data: []byte(fmt.Sprint(i))})
	}
	return out
}

func TestBackoff(t *testing.T) {
	cfg := DefaultReconnectConfig()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := cfg.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: %s != %s", i+1, got, w)
		}
	}
	if got := cfg.backoff(100); got != cfg.MaxRetryDelay {
		t.Fatalf("attempt 100: %s", got)
	}
}

func TestIngestDropsNonMonotonicAndEstimatesDuration(t *testing.T) {
	store := buffer.NewMemoryStore(100)
	l := NewLoop(nil, store, WithFPS(10), WithGapTolerance(time.Second))

	var released atomic.Int32
	in := framesAt(0, 100*time.Millisecond, 50*time.Millisecond, 180*time.Millisecond, 5*time.Second)
	for _, f := range in {
		f.Release = func([]byte) { released.Add(1) }
		if _, err := l.ingest(f); err != nil {
			t.Fatal(err)
		}
	}

	snap, err := store.Snapshot(buffer.Span{Start: t0, End: t0.Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	var refs []buffer.FrameRef
	for i := range snap.Extents {
		_ = snap.Scan(context.Background(), i, func(r buffer.FrameRef) error {
			refs = append(refs, r)
			return nil
		})
	}
	want := []struct {
		seq uint64
		d   time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 80 * time.Millisecond},
		// 断档后的帧按期望帧率估算
		{4, 100 * time.Millisecond},
	}
	if len(refs) != len(want) {
		t.Fatalf("frames = %d", len(refs))
	}
	for i, w := range want {
		if refs[i].Seq != w.seq || refs[i].Duration != w.d {
			t.Fatalf("frame %d = seq %d dur %s", i, refs[i].Seq, refs[i].Duration)
		}
	}
	if st := l.Stats(); st.Dropped != 1 || st.Frames != 4 || st.LastSeq != 4 {
		t.Fatalf("stats = %+v", st)
	}
	// 丢弃的帧立即释放
	if released.Load() != 1 {
		t.Fatalf("released = %d", released.Load())
	}
	snap.Release()
	store.Close()
	if released.Load() != 5 {
		t.Fatalf("released after close = %d", released.Load())
	}
}

func TestRunReconnectsAfterStall(t *testing.T) {
	store := buffer.NewMemoryStore(100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := []*fakeSource{
		{frames: framesAt(0, 100*time.Millisecond, 200*time.Millisecond), tail: ErrSourceStall},
		{frames: framesAt(3*time.Second, 3100*time.Millisecond), tail: errors.New("ffmpeg stream ended")},
	}
	var dials atomic.Int32
	dial := func(context.Context) (Source, error) {
		n := int(dials.Add(1))
		switch {
		case n <= len(sessions):
			return sessions[n-1], nil
		case n == len(sessions)+1:
			return nil, errors.New("connection refused")
		default:
			cancel()
			return nil, context.Canceled
		}
	}

	l := NewLoop(dial, store,
		WithFPS(10),
		WithReconnect(ReconnectConfig{RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}),
	)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}

	st := l.Stats()
	if st.Frames != 5 || st.LastSeq != 5 || st.Reconnects < 3 {
		t.Fatalf("stats = %+v", st)
	}
	for i, s := range sessions {
		if s.stopped.Load() != 1 {
			t.Fatalf("session %d stopped %d times", i, s.stopped.Load())
		}
	}
	win, ok := store.Window()
	if !ok || !win.Start.Equal(t0) || !win.End.Equal(t0.Add(3200*time.Millisecond)) {
		t.Fatalf("window = %v", win)
	}
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	l := NewLoop(func(context.Context) (Source, error) {
		return nil, errors.New("401 unauthorized")
	}, buffer.NewMemoryStore(10),
		WithReconnect(ReconnectConfig{RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond, MaxRetries: 2}),
	)
	if err := l.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := l.Stats().Reconnects; got != 2 {
		t.Fatalf("reconnects = %d", got)
	}
}

type fullStore struct {
	buffer.Store
}

func (fullStore) Append(u buffer.Unit) error {
	u.Payload.Release()
	return fmt.Errorf("write chunk: %w", buffer.ErrStorageExhausted)
}

func TestRunStopsWhenStorageExhausted(t *testing.T) {
	src := &fakeSource{frames: framesAt(0), tail: ErrSourceStall}
	l := NewLoop(func(context.Context) (Source, error) { return src, nil }, fullStore{Store: buffer.NewMemoryStore(10)})
	err := l.Run(context.Background())
	if !errors.Is(err, buffer.ErrStorageExhausted) {
		t.Fatalf("err = %v", err)
	}
	if src.stopped.Load() != 1 {
		t.Fatal("source not stopped")
	}
}

func TestRunContinuesSequenceFromStore(t *testing.T) {
	store := buffer.NewMemoryStore(10)
	for i := range 5 {
		err := store.Append(buffer.Unit{CapturedAt: t0.Add(time.Duration(i) * 100 * time.Millisecond), Seq: uint64(i + 1), Payload: buffer.NewPayload(nil, nil)})
		if err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{frames: framesAt(time.Second), tail: ErrSourceStall}
	var dials atomic.Int32
	l := NewLoop(func(context.Context) (Source, error) {
		if dials.Add(1) > 1 {
			cancel()
			return nil, context.Canceled
		}
		return src, nil
	}, store, WithReconnect(ReconnectConfig{RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}))
	if err := l.Run(ctx); err != nil {
		t.Fatal(err)
	}
	head, _ := store.Head()
	if head.Seq != 6 {
		t.Fatalf("head seq = %d", head.Seq)
	}
}
