// Command retestrunner is the CLI entry point: discover test items and
// setups across a source tree, dispatch them to a supervised worker pool,
// and report pass/fail outcome (spec §1, §6).
package main

import (
	"fmt"
	"os"

	"github.com/jpequegn/retestrunner/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "retestrunner:", err)
		os.Exit(1)
	}
}
