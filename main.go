package main

import (
	"os"

	"github.com/beaconwatch/beaconwatch/cmd"
)

func main() {
	if err := cmd.RootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
