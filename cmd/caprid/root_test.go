package main

import (
	"testing"
	"time"
)

func TestParseTime(t *testing.T) {
	local := time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local)
	cases := []struct {
		in   string
		want time.Time
		err  bool
	}{
		{in: "2026-03-14T09:26:53", want: local},
		{in: "2026-03-14 09:26:53", want: local},
		{in: "2026-03-14T09:26:53.5", want: local.Add(500 * time.Millisecond)},
		{in: "2026-03-14T01:26:53Z", want: time.Date(2026, 3, 14, 1, 26, 53, 0, time.UTC)},
		{in: "2026-03-14T09:26:53+08:00", want: time.Date(2026, 3, 14, 1, 26, 53, 0, time.UTC)},
		{in: "yesterday", err: true},
		{in: "", err: true},
	}
	for _, tc := range cases {
		got, err := parseTime(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("%q: expect error", tc.in)
			}
			continue
		}
		if err != nil || !got.Equal(tc.want) {
			t.Errorf("%q: got %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
}
