package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gowvp/caprid/internal/app"
	"github.com/gowvp/caprid/internal/core/clip"
	"github.com/spf13/cobra"
)

var (
	extractStart  string
	extractEnd    string
	extractOut    string
	extractUpload bool

	clipAt       string
	clipDuration time.Duration
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract [start, end) from the disk buffer",
	Example: `  caprid extract --start 2026-03-14T09:26:53 --end 2026-03-14T09:27:08
  caprid extract --start 2026-03-14T01:26:53Z --end 2026-03-14T01:27:08Z --out clips/ --upload`,
	RunE: runExtract,
}

var clipCmd = &cobra.Command{
	Use:     "clip",
	Short:   "Extract a clip centred on an event time",
	Example: `  caprid clip --at 2026-03-14T09:27:00 --duration 10s`,
	RunE:    runClip,
}

func init() {
	extractCmd.Flags().StringVar(&extractStart, "start", "", "start time (RFC3339 or local 2006-01-02T15:04:05)")
	extractCmd.Flags().StringVar(&extractEnd, "end", "", "end time, exclusive")
	extractCmd.Flags().StringVarP(&extractOut, "out", "o", "", "output file or directory (trailing /)")
	extractCmd.Flags().BoolVar(&extractUpload, "upload", false, "upload the clip after extraction")
	_ = extractCmd.MarkFlagRequired("start")
	_ = extractCmd.MarkFlagRequired("end")

	clipCmd.Flags().StringVar(&clipAt, "at", "", "event time (RFC3339 or local 2006-01-02T15:04:05)")
	clipCmd.Flags().DurationVar(&clipDuration, "duration", 0, "clip length centred on the event, default extract.event_seconds")
	clipCmd.Flags().StringVarP(&extractOut, "out", "o", "", "output file or directory (trailing /)")
	clipCmd.Flags().BoolVar(&extractUpload, "upload", false, "upload the clip after extraction")
	_ = clipCmd.MarkFlagRequired("at")

	rootCmd.AddCommand(extractCmd, clipCmd)
}

func runExtract(cmd *cobra.Command, _ []string) error {
	start, err := parseTime(extractStart)
	if err != nil {
		return err
	}
	end, err := parseTime(extractEnd)
	if err != nil {
		return err
	}
	return withOffline(func(ctx context.Context, off *app.Offline) (*clip.Result, error) {
		return off.Engine.Extract(ctx, clip.Request{Start: start, End: end, Output: extractOut, Upload: extractUpload})
	})
}

func runClip(cmd *cobra.Command, _ []string) error {
	at, err := parseTime(clipAt)
	if err != nil {
		return err
	}
	if clipDuration < 0 {
		return errors.New("duration must not be negative")
	}
	return withOffline(func(ctx context.Context, off *app.Offline) (*clip.Result, error) {
		return off.Engine.ExtractAround(ctx, clip.Event{At: at, Duration: clipDuration, Output: extractOut, Upload: extractUpload})
	})
}

// withOffline 打开只读缓冲区执行一次截取，结果以 json 输出到 stdout
func withOffline(fn func(ctx context.Context, off *app.Offline) (*clip.Result, error)) error {
	bc, err := loadConfig()
	if err != nil {
		return err
	}
	off, err := app.OpenOffline(bc)
	if err != nil {
		return err
	}
	defer off.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := fn(ctx, off)
	if res != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	}
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	return nil
}
