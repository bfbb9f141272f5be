package main

import (
	"os"

	"github.com/attemptengine/attemptd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
