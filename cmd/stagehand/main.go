package main

import (
	"os"

	"github.com/wesleyorama2/stagehand/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:], os.Stderr))
}
