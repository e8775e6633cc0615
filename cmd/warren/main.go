package main

import (
	"os"

	"github.com/warren-db/warren/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
