// Package main is the entry point for the bosun binary.
package main

import (
	"os"

	"github.com/bosun-dev/bosun/cmd/bosun/commands"
)

func main() {
	os.Exit(commands.Execute())
}
