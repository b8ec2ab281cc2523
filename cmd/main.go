package main

import (
	"os"

	"github.com/soundprediction/lostpaw/cmd/lostpaw"
)

func main() {
	if err := lostpaw.Execute(); err != nil {
		os.Exit(1)
	}
}
