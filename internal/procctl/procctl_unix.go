//go:build unix

package procctl

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type unixGroup struct{}

func New() Group {
	return unixGroup{}
}

func (unixGroup) Start(cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	setPdeathsig(cmd.SysProcAttr)
	return cmd.Start()
}

func (unixGroup) Terminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGTERM)
}

func (unixGroup) Kill(cmd *exec.Cmd) error {
	err := signalGroup(cmd, unix.SIGKILL)
	if cmd.Process != nil {
		// the leader may have left its group; make sure it dies regardless
		if kerr := cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) && err == nil {
			err = kerr
		}
	}
	return err
}

func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil // already gone
	}
	return err
}

// ExitOf decodes the wait status of a finished process.
func ExitOf(state *os.ProcessState) Exit {
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return Exit{Code: state.ExitCode()}
	}
	if status.Signaled() {
		return Exit{Signaled: true, Code: -1, Signal: int(status.Signal())}
	}
	return Exit{Code: status.ExitStatus()}
}
