package buffer

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRecordReaderDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewRecordWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		if _, err := w.WriteRecord(frameAt(i), uint64(i+1), tick, payloadOf(uint64(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	raw := buf.Bytes()

	t.Run("clean", func(t *testing.T) {
		r, err := NewRecordReader(bytes.NewReader(raw))
		if err != nil {
			t.Fatal(err)
		}
		var n int
		for {
			h, p, err := r.Next(true)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			n++
			if !h.CapturedAt.Equal(frameAt(n-1)) || h.Duration != tick || !bytes.Equal(p, payloadOf(h.Seq)) {
				t.Fatalf("record %d = %+v %q", n, h, p)
			}
		}
		if n != 3 || r.Offset() != int64(len(raw)) {
			t.Fatalf("n=%d offset=%d len=%d", n, r.Offset(), len(raw))
		}
	})

	t.Run("torn tail", func(t *testing.T) {
		r, _ := NewRecordReader(bytes.NewReader(raw[:len(raw)-3]))
		for range 2 {
			if _, _, err := r.Next(true); err != nil {
				t.Fatal(err)
			}
		}
		if _, _, err := r.Next(true); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("flipped bit", func(t *testing.T) {
		bad := bytes.Clone(raw)
		bad[len(RecordMagic)+recordHeaderSize+2] ^= 0xff
		r, _ := NewRecordReader(bytes.NewReader(bad))
		if _, _, err := r.Next(true); !errors.Is(err, ErrCorruptRecord) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("bad magic", func(t *testing.T) {
		if _, err := NewRecordReader(bytes.NewReader([]byte("MP4\x00xxxx"))); !errors.Is(err, ErrCorruptRecord) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("scan stops at limit", func(t *testing.T) {
		var seqs []uint64
		end, err := scanRecords(bytes.NewReader(raw), int64(len(raw)-1), func(h RecordHeader) error {
			seqs = append(seqs, h.Seq)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(seqs) != 2 || end != int64(len(raw))-recordSize(len(payloadOf(3))) {
			t.Fatalf("seqs=%v end=%d", seqs, end)
		}
	})
}
