//go:build !unix

package procctl

import (
	"errors"
	"os"
	"os/exec"
)

// otherGroup has no process groups to work with, so only the direct child is killed.
type otherGroup struct{}

func New() Group {
	return otherGroup{}
}

func (otherGroup) Start(cmd *exec.Cmd) error {
	return cmd.Start()
}

func (g otherGroup) Terminate(cmd *exec.Cmd) error {
	return g.Kill(cmd)
}

func (otherGroup) Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func ExitOf(state *os.ProcessState) Exit {
	return Exit{Code: state.ExitCode()}
}
