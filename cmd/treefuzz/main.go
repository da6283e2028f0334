package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

// exitCode makes the process exit with a status other than 1.
type exitCode struct {
	code int
	err  error
}

func (e *exitCode) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCode) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	root := newFuzzCmd()
	root.AddCommand(newCheckCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ec *exitCode
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}
