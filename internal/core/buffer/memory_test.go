package buffer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryCapacity(t *testing.T) {
	if got := MemoryCapacity(120*time.Second, 15, 0.25); got != 2250 {
		t.Fatalf("capacity = %d", got)
	}
	if got := MemoryCapacity(0, 15, 0); got != 1 {
		t.Fatalf("capacity = %d", got)
	}
}

func TestMemoryStoreRejectsOutOfOrder(t *testing.T) {
	s := NewMemoryStore(16)
	feed(t, s, 0, 3)

	cases := []struct {
		name string
		u    Unit
	}{
		{"repeated seq", Unit{CapturedAt: frameAt(5), Seq: 3, Duration: tick}},
		{"time goes back", Unit{CapturedAt: frameAt(1), Seq: 4, Duration: tick}},
	}
	for _, tc := range cases {
		var fc freeCounter
		tc.u.Payload = NewPayload([]byte("x"), fc.free)
		if err := s.Append(tc.u); !errors.Is(err, ErrOutOfOrder) {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
		if fc.n.Load() != 1 {
			t.Fatalf("%s: rejected payload not released", tc.name)
		}
	}

	// 相同时间戳允许
	same := Unit{CapturedAt: frameAt(2), Seq: 4, Duration: tick, Payload: NewPayload([]byte("y"), nil)}
	if err := s.Append(same); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStoreOverwritesOldest(t *testing.T) {
	s := NewMemoryStore(10)
	var fc freeCounter
	for i := range 15 {
		seq := uint64(i + 1)
		err := s.Append(Unit{CapturedAt: frameAt(i), Seq: seq, Duration: tick, Payload: NewPayload(payloadOf(seq), fc.free)})
		if err != nil {
			t.Fatal(err)
		}
	}
	win, ok := s.Window()
	if !ok {
		t.Fatal("empty window")
	}
	if !win.Start.Equal(frameAt(5)) || !win.End.Equal(frameAt(15)) {
		t.Fatalf("window = %v", win)
	}
	if fc.n.Load() != 5 {
		t.Fatalf("freed = %d", fc.n.Load())
	}
	if st := s.Stats(); st.Frames != 10 || st.LastSeq != 15 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemoryStoreSnapshotBoundaries(t *testing.T) {
	s := NewMemoryStore(100)
	feed(t, s, 0, 50)

	// [frame 10, frame 20) 半开区间，frame 9 的结束时间等于 frame 10，不应命中
	snap, err := s.Snapshot(Span{Start: frameAt(10), End: frameAt(20)})
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Release()
	refs, data := collect(t, snap)
	if len(refs) != 10 {
		t.Fatalf("frames = %d", len(refs))
	}
	if refs[0].Seq != 11 || refs[9].Seq != 20 {
		t.Fatalf("seq range = %d..%d", refs[0].Seq, refs[9].Seq)
	}
	if !bytes.Equal(data[0], payloadOf(11)) {
		t.Fatalf("payload = %q", data[0])
	}

	// 跨帧中间的区间包含两端被切到的帧
	snap2, err := s.Snapshot(Span{Start: frameAt(10).Add(tick / 2), End: frameAt(12).Add(tick / 2)})
	if err != nil {
		t.Fatal(err)
	}
	defer snap2.Release()
	if n := len(snap2.Extents); n != 3 {
		t.Fatalf("extents = %d", n)
	}
}

func TestMemoryStoreSnapshotSurvivesEviction(t *testing.T) {
	s := NewMemoryStore(100)
	var fc freeCounter
	for i := range 20 {
		seq := uint64(i + 1)
		if err := s.Append(Unit{CapturedAt: frameAt(i), Seq: seq, Duration: tick, Payload: NewPayload(payloadOf(seq), fc.free)}); err != nil {
			t.Fatal(err)
		}
	}
	snap, err := s.Snapshot(Span{Start: frameAt(0), End: frameAt(10)})
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.Evict(frameAt(100))
	if err != nil || n != 20 {
		t.Fatalf("evict n=%d err=%v", n, err)
	}
	if _, ok := s.Window(); ok {
		t.Fatal("window should be empty")
	}
	// 快照持有的 10 帧尚未释放
	if fc.n.Load() != 10 {
		t.Fatalf("freed before release = %d", fc.n.Load())
	}

	refs, data := collect(t, snap)
	if len(refs) != 10 || !bytes.Equal(data[9], payloadOf(10)) {
		t.Fatalf("read after eviction: %d frames", len(refs))
	}
	snap.Release()
	snap.Release()
	if fc.n.Load() != 20 {
		t.Fatalf("freed after release = %d", fc.n.Load())
	}
}

func TestMemoryStoreConcurrentReaders(t *testing.T) {
	s := NewMemoryStore(50)
	ret := NewRetention(s, 3*time.Second)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				win, ok := s.Window()
				if !ok {
					continue
				}
				snap, err := s.Snapshot(win)
				if err != nil {
					t.Error(err)
					return
				}
				ctx := context.Background()
				for i := range snap.Extents {
					_ = snap.Scan(ctx, i, func(ref FrameRef) error {
						b, err := snap.Read(ctx, ref)
						if err != nil || !bytes.Equal(b, payloadOf(ref.Seq)) {
							t.Errorf("seq %d payload %q err %v", ref.Seq, b, err)
						}
						return nil
					})
				}
				snap.Release()
			}
		})
	}
	feed(t, s, 0, 2000, func(u Unit) {
		if _, err := ret.Enforce(u.CapturedAt); err != nil {
			t.Error(err)
		}
	})
	close(stop)
	wg.Wait()
}

func TestPayloadOverRelease(t *testing.T) {
	p := NewPayload([]byte("a"), nil)
	p.Release()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	p.Release()
}

func TestMemoryStoreSnapshotUnevenDurations(t *testing.T) {
	s := NewMemoryStore(16)
	// 第一帧时长最长，结束时间晚于后面两帧
	units := []struct {
		at  time.Duration
		dur time.Duration
	}{
		{0, 300 * time.Millisecond},
		{100 * time.Millisecond, 50 * time.Millisecond},
		{200 * time.Millisecond, 40 * time.Millisecond},
		{300 * time.Millisecond, 100 * time.Millisecond},
	}
	for i, u := range units {
		seq := uint64(i + 1)
		if err := s.Append(Unit{CapturedAt: base.Add(u.at), Seq: seq, Duration: u.dur, Payload: NewPayload(payloadOf(seq), nil)}); err != nil {
			t.Fatal(err)
		}
	}

	snap, err := s.Snapshot(Span{Start: base.Add(250 * time.Millisecond), End: base.Add(400 * time.Millisecond)})
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Release()
	if len(snap.Extents) != 2 {
		t.Fatalf("extents = %d", len(snap.Extents))
	}
	if snap.Extents[0].FirstSeq != 1 || snap.Extents[1].FirstSeq != 4 {
		t.Fatalf("seqs = %d, %d", snap.Extents[0].FirstSeq, snap.Extents[1].FirstSeq)
	}
}
