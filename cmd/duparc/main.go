package main

import (
	"fmt"
	"os"

	"github.com/duparc/duparc/cmd/duparc/commands"
)

func main() {
	os.Exit(run())
}

// run wraps command execution so an internal invariant violation
// (a panic from deep inside the pipeline, e.g. a corrupt write) is
// reported as ExitAssert instead of a bare crash.
func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(os.Stderr, "Assertion failure:", r)
			code = commands.ExitAssert
		}
	}()

	err := commands.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return commands.ExitCode(err)
}
