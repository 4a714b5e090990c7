package main

import (
	"os"

	_ "github.com/beam-cloud/gvfs/internal/init"

	"github.com/beam-cloud/gvfs/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
