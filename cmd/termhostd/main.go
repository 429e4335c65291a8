package main

import (
	"os"

	"github.com/renkert/termhostd/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(cli.Run(os.Args, version))
}
