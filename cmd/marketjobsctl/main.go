// Command marketjobsctl is the orchestrator CLI (C6): setup-local,
// test-config, and per-host / fleet-wide deploy/start/stop/restart/
// status/logs, per spec.md section 6's "CLI (orchestrator)" surface.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps errors to the spec-mandated exit codes: 0 success
// (handled by cobra's normal return), 1 usage/command failure, 2
// configuration invalid.
func exitCodeFor(err error) int {
	if _, ok := err.(*configError); ok {
		return 2
	}
	return 1
}

// configError marks a failure as a configuration problem (exit code 2)
// rather than a generic command failure (exit code 1).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
