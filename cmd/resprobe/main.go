// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Resprobe initializes memory pools over host memory,
// relocates them through per-frame command buffers and
// reports where each pool ended up.
package main

import (
	"os"

	"github.com/gviegas/residency/internal/logger"
)

var version = "0.1.0"

func main() {
	err := newRootCmd().Execute()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
