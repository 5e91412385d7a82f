package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gowvp/caprid/internal/app"
	"github.com/gowvp/caprid/internal/core/buffer"
	"github.com/spf13/cobra"
	"github.com/stevedomin/termtable"
)

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Print the retained time range and chunk list of the disk buffer",
	RunE: func(_ *cobra.Command, _ []string) error {
		bc, err := loadConfig()
		if err != nil {
			return err
		}
		off, err := app.OpenOffline(bc)
		if err != nil {
			return err
		}
		defer off.Close()

		win, ok := off.Store.Window()
		if !ok {
			fmt.Println("buffer is empty")
			return nil
		}
		fmt.Printf("Retained: %s -> %s (%s)\n", win.Start.Format(time.DateTime), win.End.Format(time.DateTime), win.Duration().Round(time.Millisecond))
		if h, ok := off.Store.Head(); ok {
			fmt.Printf("Head:     seq %d at %s\n", h.Seq, h.CapturedAt.Format(time.RFC3339Nano))
		}

		snap, err := off.Store.Snapshot(win)
		if err != nil {
			return err
		}
		defer snap.Release()

		fmt.Println()
		fmt.Println(chunkTable(snap.Extents))
		return nil
	},
}

// chunkTable 分块列表，时间按本地时区显示
func chunkTable(extents []buffer.Extent) string {
	t := termtable.NewTable(nil, &termtable.TableOptions{
		Padding:      2,
		UseSeparator: false,
	})
	t.SetHeader([]string{"Chunk", "Start", "End", "Frames", "Bytes", "Sealed"})
	for _, e := range extents {
		t.AddRow([]string{
			e.Name,
			e.Start.Format("15:04:05.000"),
			e.End.Format("15:04:05.000"),
			strconv.Itoa(e.Frames),
			strconv.FormatInt(e.Size, 10),
			strconv.FormatBool(e.Sealed),
		})
	}
	return t.Render()
}

func init() {
	rootCmd.AddCommand(windowCmd)
}
