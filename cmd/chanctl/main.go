package main

import (
	"os"

	"github.com/LeoFranklin015/Median-sub000/cmd/chanctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
