package main

import (
	"os"
)

// buildVersion 通过 -ldflags "-X main.buildVersion=v1.0.0" 注入
var buildVersion = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
