// Package main is the entry point for the ingestor binary.
package main

import (
	"os"

	"tenant-ingest/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
