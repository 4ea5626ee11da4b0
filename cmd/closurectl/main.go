package main

import (
	"os"

	"lv-closure/cmd/closurectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
