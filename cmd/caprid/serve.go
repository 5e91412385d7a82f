package main

import (
	"github.com/gowvp/caprid/internal/app"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run capture, retention and the http api",
	RunE: func(_ *cobra.Command, _ []string) error {
		bc, err := loadConfig()
		if err != nil {
			return err
		}
		return app.Run(bc)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
