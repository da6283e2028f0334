package procctl

import "syscall"

// the target must not outlive the harness if the harness is killed hard
func setPdeathsig(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
