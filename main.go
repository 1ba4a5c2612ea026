package main

import (
	"os"

	"github.com/jamlinkio/jamlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
