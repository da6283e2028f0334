//go:build !unix

package types

import "fmt"

var signalNames = map[int]string{
	4:  "SIGILL",
	6:  "SIGABRT",
	8:  "SIGFPE",
	9:  "SIGKILL",
	11: "SIGSEGV",
	15: "SIGTERM",
}

func SignalName(sig int) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return fmt.Sprintf("signal-%d", sig)
}

func SignalNumber(name string) (int, bool) {
	name = signalPrefixed(name)
	for sig, n := range signalNames {
		if n == name {
			return sig, true
		}
	}
	return 0, false
}
