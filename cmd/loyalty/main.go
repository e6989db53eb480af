// Package main is the loyalty command-line entry point.
package main

import (
	"fmt"
	"os"

	// Market timezones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/roach88/loyalty/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
