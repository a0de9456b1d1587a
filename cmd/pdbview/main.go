package main

import (
	"os"

	"github.com/go-kit/log/level"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		level.Error(logger).Log("msg", "command failed", "err", err)
		os.Exit(1)
	}
}
