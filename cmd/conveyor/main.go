// Command conveyor orchestrates multi-ticket build pipelines: it ingests
// ticket definitions, derives the dependency graph, schedules builds within
// pacing bounds, and drives pull requests to merge.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes follow the engine convention: 0 success, 1 nothing available,
// 2 error.
const (
	exitOK      = 0
	exitNothing = 1
	exitError   = 2
)

// errNothingAvailable marks "no work to do" outcomes (empty buildable set,
// no next ticket) that are not failures.
var errNothingAvailable = errors.New("nothing available")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errNothingAvailable) {
			os.Exit(exitNothing)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
