package main

import (
	"os"

	"github.com/moolen/lineagectx/cmd/lineagectx/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
