package main

import (
	"os"

	"github.com/voxlane/voxlane/cmd/voxlane/commands"
)

func main() {
	if err := commands.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
