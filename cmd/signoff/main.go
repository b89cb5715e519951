package main

import (
	"os"

	"github.com/MEKXH/signoff/cmd/signoff/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
