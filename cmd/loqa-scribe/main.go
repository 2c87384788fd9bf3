package main

import (
	"os"

	"github.com/loqalabs/loqa-scribe/cmd/loqa-scribe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
