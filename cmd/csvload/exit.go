package main

import (
	"errors"

	"csvload/internal/catalog"
)

// Exit codes.
const (
	ExitSuccess     = 0
	ExitTableFailed = 1
	ExitUsage       = 2
	ExitAborted     = 3
)

var (
	// errUsage marks bad flags, arguments or configuration.
	errUsage = errors.New("usage")

	// errTablesFailed marks a completed run in which a table failed, is
	// missing or could not be read.
	errTablesFailed = errors.New("one or more tables failed")
)

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, errUsage), errors.Is(err, catalog.ErrRoot):
		return ExitUsage
	case errors.Is(err, errTablesFailed):
		return ExitTableFailed
	}
	// Store unavailable, canceled, or anything else that stopped the run.
	return ExitAborted
}
