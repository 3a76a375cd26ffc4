// Command csvload imports a tree of delimited text files into a relational
// store, one table per file, and audits the result.
//
//	csvload import [--root DIR] [--db PATH] [--large-only]
//	csvload verify [--root DIR] [--db PATH]
//	csvload probe FILE
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	// register all backends with the storage factory.
	_ "csvload/internal/storage/all"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(ExitAborted)
		}
	}()

	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "csvload:", err)
	}
	os.Exit(exitCode(err))
}
