package main

import (
	"os"

	"driveindex/internal/dridxcli"
)

func main() {
	if err := dridxcli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
