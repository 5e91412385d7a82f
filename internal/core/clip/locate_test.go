package clip

import (
	"errors"
	"testing"
	"time"

	"github.com/gowvp/caprid/internal/core/buffer"
)

func TestLocate(t *testing.T) {
	s := memoryStore(t)
	feed(t, s, 0, 100)
	// 断档 5 秒
	feed(t, s, 150, 200)

	tests := []struct {
		name    string
		loc     Locator
		req     buffer.Span
		err     error
		first   int
		count   int
		clamped bool
		gaps    int
		empty   bool
	}{
		{
			name: "reversed range",
			loc:  NewLocator(PolicyClamp, time.Second, false),
			req:  buffer.Span{Start: frameAt(10), End: frameAt(5)},
			err:  ErrInvalidRange,
		},
		{
			name: "zero length",
			loc:  NewLocator(PolicyClamp, time.Second, false),
			req:  buffer.Span{Start: frameAt(10), End: frameAt(10)},
			err:  ErrInvalidRange,
		},
		{
			name:  "inside window",
			loc:   NewLocator(PolicyClamp, time.Second, false),
			req:   buffer.Span{Start: frameAt(10), End: frameAt(20)},
			first: 10,
			count: 10,
		},
		{
			// frame 9 结束于 frame 10 开始，不算命中
			name:  "touching boundary excluded",
			loc:   NewLocator(PolicyClamp, time.Second, false),
			req:   buffer.Span{Start: frameAt(10), End: frameAt(11)},
			first: 10,
			count: 1,
		},
		{
			name:    "clamped tail",
			loc:     NewLocator(PolicyClamp, time.Second, false),
			req:     buffer.Span{Start: frameAt(190), End: frameAt(250)},
			first:   190,
			count:   10,
			clamped: true,
		},
		{
			name: "strict rejects clamp",
			loc:  NewLocator(PolicyStrict, time.Second, false),
			req:  buffer.Span{Start: frameAt(190), End: frameAt(250)},
			err:  ErrRangeNotRetained,
		},
		{
			name:  "gap reported",
			loc:   NewLocator(PolicyClamp, time.Second, false),
			req:   buffer.Span{Start: frameAt(90), End: frameAt(160)},
			first: 90,
			count: 20,
			gaps:  1,
		},
		{
			name:  "gap within tolerance",
			loc:   NewLocator(PolicyClamp, 10*time.Second, false),
			req:   buffer.Span{Start: frameAt(90), End: frameAt(160)},
			first: 90,
			count: 20,
		},
		{
			name: "future",
			loc:  NewLocator(PolicyClamp, time.Second, false),
			req:  buffer.Span{Start: frameAt(300), End: frameAt(400)},
			err:  ErrRangeNotRetained,
		},
		{
			name: "inside gap",
			loc:  NewLocator(PolicyClamp, time.Second, false),
			req:  buffer.Span{Start: frameAt(110), End: frameAt(140)},
			err:  ErrRangeNotRetained,
		},
		{
			name:    "allow empty",
			loc:     NewLocator(PolicyClamp, time.Second, true),
			req:     buffer.Span{Start: frameAt(300), End: frameAt(400)},
			empty:   true,
			clamped: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := s.Snapshot(tt.req)
			if err != nil {
				t.Fatal(err)
			}
			defer snap.Release()

			plan, err := tt.loc.Locate(snap, tt.req)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("err = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if plan.Empty != tt.empty || plan.Clamped != tt.clamped || len(plan.Gaps) != tt.gaps {
				t.Fatalf("plan = %+v", plan)
			}
			if tt.empty {
				return
			}
			if len(plan.Extents) != tt.count {
				t.Fatalf("extents = %d", len(plan.Extents))
			}
			if got := snap.Extents[plan.Extents[0]].FirstSeq; got != uint64(tt.first+1) {
				t.Fatalf("first seq = %d", got)
			}
		})
	}
}

func TestLocateClampsToWindow(t *testing.T) {
	s := memoryStore(t)
	feed(t, s, 0, 50)

	req := buffer.Span{Start: frameAt(-20), End: frameAt(20)}
	snap, err := s.Snapshot(req)
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Release()
	plan, err := NewLocator(PolicyClamp, time.Second, false).Locate(snap, req)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Clamped || !plan.Actual.Start.Equal(frameAt(0)) || !plan.Actual.End.Equal(frameAt(20)) {
		t.Fatalf("plan = %+v", plan)
	}
	if len(plan.Gaps) != 0 {
		t.Fatalf("gaps = %v", plan.Gaps)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyClamp, "clamp": PolicyClamp, "strict": PolicyStrict} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("%q => %q %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("lenient"); err == nil {
		t.Fatal("expected error")
	}
}
