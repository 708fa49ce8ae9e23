package main

import (
	"os"

	"github.com/RenatoCabral2022/voicelink/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
