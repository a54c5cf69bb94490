package main

import (
	"os"

	"github.com/kilupskalvis/cardsyncd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
