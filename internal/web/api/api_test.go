package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gowvp/caprid/internal/conf"
	"github.com/gowvp/caprid/internal/core/buffer"
	"github.com/gowvp/caprid/internal/core/recording/store/recordingdb"
	"gorm.io/gorm"
)

// base 使用本地时区，与按毫秒解析的查询参数一致
var base = time.UnixMilli(1773480413000)

const tick = 100 * time.Millisecond

func ms(d time.Duration) int64 {
	return base.Add(d).UnixMilli()
}

func newTestUsecase(t *testing.T) *Usecase {
	t.Helper()
	dir := t.TempDir()

	bc := conf.DefaultConfig()
	bc.Buffer.Mode = conf.BufferModeMemory
	bc.Extract.OutputDir = filepath.Join(dir, "clips")
	bc.Extract.Encoder.Kind = conf.EncoderRecord
	bc.Extract.FutureWait = 0
	bc.Archive.Enabled = true
	bc.Archive.Provider = conf.ArchiveDir
	bc.Archive.Dir = filepath.Join(dir, "archive")
	if err := bc.Validate(); err != nil {
		t.Fatal(err)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "data.db")), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store, closeStore, err := NewBufferStore(&bc)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(closeStore)
	ret := NewRetention(&bc, store)
	loop := NewCaptureLoop(&bc, store, ret)
	enc, err := NewEncoder(&bc)
	if err != nil {
		t.Fatal(err)
	}
	exporter, closeExporter, err := NewExporter(&bc)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(closeExporter)
	core := NewRecordingCore(recordingdb.NewDB(db).AutoMigrate(true), &bc, exporter)
	engine, err := NewClipEngine(&bc, store, enc, core, exporter)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 100 {
		seq := uint64(i + 1)
		u := buffer.Unit{
			CapturedAt: base.Add(time.Duration(i) * tick),
			Seq:        seq,
			Duration:   tick,
			Payload:    buffer.NewPayload([]byte(fmt.Sprintf("frame-%06d", seq)), nil),
		}
		if err := store.Append(u); err != nil {
			t.Fatal(err)
		}
	}

	return &Usecase{
		Conf:         &bc,
		DB:           db,
		Store:        store,
		Retention:    ret,
		Capture:      loop,
		Engine:       engine,
		Recording:    core,
		BufferAPI:    NewBufferAPI(&bc, store, loop),
		ClipAPI:      NewClipAPI(&bc, engine),
		RecordingAPI: NewRecordingAPI(core),
	}
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = httptest.NewRequest(method, target, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestHTTPHandler(t *testing.T) {
	uc := newTestUsecase(t)
	h := NewHTTPHandler(uc)

	t.Run("health", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/health", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("code %d body %s", w.Code, w.Body.String())
		}
	})

	t.Run("buffer", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/buffer", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("code %d body %s", w.Code, w.Body.String())
		}
		var out getBufferOutput
		decode(t, w, &out)
		if out.Store.Frames != 100 || out.Head == nil || out.Head.Seq != 100 {
			t.Fatalf("got %+v", out)
		}
		if out.WindowSeconds != 120 {
			t.Fatalf("window %v", out.WindowSeconds)
		}
	})

	t.Run("buffer timeline", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/buffer/timeline", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("code %d body %s", w.Code, w.Body.String())
		}
		var out struct {
			Items []TimeRange `json:"items"`
		}
		decode(t, w, &out)
		if len(out.Items) != 1 || out.Items[0].Frames != 100 {
			t.Fatalf("got %+v", out.Items)
		}
		if out.Items[0].StartMs != ms(0) || out.Items[0].EndMs != ms(10*time.Second) {
			t.Fatalf("got %+v", out.Items[0])
		}
	})

	var id, path string
	var size int64
	t.Run("extract batch", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/clips", extractInput{
			Items: []clipItem{
				{StartMs: ms(time.Second), EndMs: ms(3 * time.Second)},
				{StartMs: ms(5 * time.Second), EndMs: ms(4 * time.Second)},
			},
			Upload: true,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("code %d body %s", w.Code, w.Body.String())
		}
		var out struct {
			Items []struct {
				RecordingID string `json:"recording_id"`
				Path        string `json:"path"`
				Frames      int    `json:"frames"`
				Size        int64  `json:"size"`
				Status      string `json:"status"`
				RemoteRef   string `json:"remote_ref"`
				Error       string `json:"error"`
			} `json:"items"`
			Failed int `json:"failed"`
		}
		decode(t, w, &out)
		if len(out.Items) != 2 || out.Failed != 1 {
			t.Fatalf("got %+v", out)
		}
		ok, bad := out.Items[0], out.Items[1]
		if ok.Status != "ok" || ok.Frames != 20 || !strings.HasPrefix(ok.RemoteRef, "file://") {
			t.Fatalf("got %+v", ok)
		}
		if bad.Status != "failed" || bad.Error == "" || bad.RecordingID == "" {
			t.Fatalf("got %+v", bad)
		}
		id, path, size = ok.RecordingID, ok.Path, ok.Size
	})
	if id == "" {
		t.FailNow()
	}

	t.Run("get record", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/clips/"+id, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("code %d body %s", w.Code, w.Body.String())
		}
		var out struct {
			ID        string `json:"id"`
			Frames    int    `json:"frames"`
			RemoteRef string `json:"remote_ref"`
		}
		decode(t, w, &out)
		if out.ID != id || out.Frames != 20 || out.RemoteRef == "" {
			t.Fatalf("got %+v", out)
		}
	})

	t.Run("download", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/clips/"+id+"/download", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("code %d", w.Code)
		}
		if int64(w.Body.Len()) != size {
			t.Fatalf("downloaded %d bytes, want %d", w.Body.Len(), size)
		}
	})

	t.Run("unknown record", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/clips/does-not-exist", nil)
		if w.Code == http.StatusOK {
			t.Fatalf("expect error, got %s", w.Body.String())
		}
	})

	t.Run("event", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/clips/event", extractAroundInput{
			EventMs:   ms(5 * time.Second),
			DurationS: 2,
			Output:    "events/",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("code %d body %s", w.Code, w.Body.String())
		}
		var out struct {
			Path   string `json:"path"`
			Frames int    `json:"frames"`
		}
		decode(t, w, &out)
		if out.Frames != 20 || filepath.Base(filepath.Dir(out.Path)) != "events" {
			t.Fatalf("got %+v", out)
		}
	})

	t.Run("event not retained", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/clips/event", extractAroundInput{EventMs: ms(-time.Hour)})
		if w.Code < http.StatusBadRequest {
			t.Fatalf("expect error, got %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("output escapes dir", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/clips/event", extractAroundInput{EventMs: ms(5 * time.Second), Output: "../x.rbk"})
		if w.Code < http.StatusBadRequest {
			t.Fatalf("expect error, got %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("delete", func(t *testing.T) {
		w := do(t, h, http.MethodDelete, "/clips/"+id, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("code %d body %s", w.Code, w.Body.String())
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("clip file still exists: %v", err)
		}
	})
}

func TestMergeExtents(t *testing.T) {
	at := func(s float64) time.Time { return base.Add(time.Duration(s * float64(time.Second))) }
	exts := []buffer.Extent{
		{Start: at(0), End: at(1), Frames: 10, Size: 100},
		{Start: at(1), End: at(2), Frames: 10, Size: 100},
		{Start: at(2.5), End: at(3), Frames: 5, Size: 50},
		{Start: at(10), End: at(11), Frames: 10, Size: 100},
	}
	got := mergeExtents(exts, time.Second)
	if len(got) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got[0].StartMs != at(0).UnixMilli() || got[0].EndMs != at(3).UnixMilli() || got[0].Frames != 25 || got[0].Bytes != 250 {
		t.Fatalf("got %+v", got[0])
	}
	if got[1].StartMs != at(10).UnixMilli() || got[1].Frames != 10 {
		t.Fatalf("got %+v", got[1])
	}
	if out := mergeExtents(nil, time.Second); len(out) != 0 {
		t.Fatalf("got %+v", out)
	}
}

func TestResolveOutput(t *testing.T) {
	api := ClipAPI{outputDir: filepath.FromSlash("/data/clips")}
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "", want: ""},
		{in: "a.mp4", want: filepath.FromSlash("/data/clips/a.mp4")},
		{in: "events/", want: filepath.FromSlash("/data/clips/events") + string(filepath.Separator)},
		{in: "events/a.mp4", want: filepath.FromSlash("/data/clips/events/a.mp4")},
		{in: "../a.mp4", err: true},
		{in: "/etc/a.mp4", err: true},
	}
	for _, tc := range cases {
		got, err := api.resolveOutput(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("%q: expect error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("%q: got %q, %v, want %q", tc.in, got, err, tc.want)
		}
	}
}
