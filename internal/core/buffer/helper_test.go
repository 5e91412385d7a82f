package buffer

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

const tick = 100 * time.Millisecond

// frameAt 第 i 帧(从 0 开始)的采集时间
func frameAt(i int) time.Time {
	return base.Add(time.Duration(i) * tick)
}

func payloadOf(seq uint64) []byte {
	return []byte(fmt.Sprintf("frame-%06d", seq))
}

// feed 追加 [from, to) 帧，序号从 1 开始
func feed(t *testing.T, s Store, from, to int, after ...func(Unit)) {
	t.Helper()
	for i := from; i < to; i++ {
		seq := uint64(i + 1)
		u := Unit{
			CapturedAt: frameAt(i),
			Seq:        seq,
			Duration:   tick,
			Payload:    NewPayload(payloadOf(seq), nil),
		}
		if err := s.Append(u); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
		for _, fn := range after {
			fn(u)
		}
	}
}

// collect 读出快照中全部帧
func collect(t *testing.T, snap *Snapshot) ([]FrameRef, [][]byte) {
	t.Helper()
	ctx := context.Background()
	var refs []FrameRef
	var data [][]byte
	for i := range snap.Extents {
		err := snap.Scan(ctx, i, func(ref FrameRef) error {
			b, err := snap.Read(ctx, ref)
			if err != nil {
				return err
			}
			refs = append(refs, ref)
			data = append(data, append([]byte(nil), b...))
			return nil
		})
		if err != nil {
			t.Fatalf("scan extent %d: %v", i, err)
		}
	}
	return refs, data
}

type freeCounter struct {
	n atomic.Int32
}

func (f *freeCounter) free([]byte) {
	f.n.Add(1)
}
