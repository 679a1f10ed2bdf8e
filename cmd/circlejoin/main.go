package main

import (
	"os"

	"github.com/koltyakov/circlejoin/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
