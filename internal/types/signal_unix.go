//go:build unix

package types

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SignalName returns the conventional name of sig, e.g. "SIGSEGV".
func SignalName(sig int) string {
	if name := unix.SignalName(unix.Signal(sig)); name != "" {
		return name
	}
	return fmt.Sprintf("signal-%d", sig)
}

// SignalNumber is the inverse of SignalName. It accepts names with or without the SIG prefix.
func SignalNumber(name string) (int, bool) {
	sig := unix.SignalNum(signalPrefixed(name))
	if sig == 0 {
		return 0, false
	}
	return int(sig), true
}
