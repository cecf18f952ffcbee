package main

import (
	"os"

	"TrailWatch/internal/watchdog/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
