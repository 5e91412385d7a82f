package main

import (
	"fmt"
	"time"

	"github.com/gowvp/caprid/internal/conf"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "caprid",
	Short: "Rolling-buffer camera capture with clip extraction",
	Long: `caprid keeps the last few minutes of a camera stream in a rolling buffer
and extracts clips for arbitrary absolute time ranges, optionally uploading
them to object storage.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.toml", "config file")
	rootCmd.Version = buildVersion
}

func loadConfig() (*conf.Bootstrap, error) {
	bc, err := conf.SetupConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	bc.BuildVersion = buildVersion
	return &bc, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTime 支持 RFC3339，或不带时区的本地时间
func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q, want RFC3339 or 2006-01-02T15:04:05", s)
}
