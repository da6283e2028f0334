//go:build unix && !linux

package procctl

import "syscall"

func setPdeathsig(attr *syscall.SysProcAttr) {
}
