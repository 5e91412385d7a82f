package main

import (
	"strings"
	"testing"
	"time"

	"github.com/gowvp/caprid/internal/core/buffer"
)

func TestChunkTable(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 26, 0, 0, time.Local)
	out := chunkTable([]buffer.Extent{
		{Name: "chunk_a.rbk", Start: start, End: start.Add(time.Minute), Frames: 1500, Size: 4096, Sealed: true},
		{Name: "chunk_b.part", Start: start.Add(time.Minute), End: start.Add(90 * time.Second), Frames: 750, Size: 2048},
	})

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 3 {
		t.Fatalf("table:\n%s", out)
	}
	if lower := strings.ToLower(out); !strings.Contains(lower, "frames") || !strings.Contains(lower, "sealed") {
		t.Fatalf("missing header:\n%s", out)
	}
	for _, want := range []string{"chunk_a.rbk", "09:26:00.000", "1500", "4096", "true", "chunk_b.part", "09:27:30.000", "false"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "chunk_a.rbk") > strings.Index(out, "chunk_b.part") {
		t.Fatal("chunks out of order")
	}
}
