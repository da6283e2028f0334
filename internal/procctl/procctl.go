// Package procctl starts target processes in their own process group so that a timed out or
// cancelled target can be killed together with everything it spawned.
package procctl

import "os/exec"

// Group controls the lifecycle of a child process and its descendants.
type Group interface {
	// Start starts cmd as the leader of a new process group.
	Start(cmd *exec.Cmd) error
	// Terminate asks every process in the group of cmd to exit.
	Terminate(cmd *exec.Cmd) error
	// Kill forcibly kills every process in the group of cmd.
	Kill(cmd *exec.Cmd) error
}

// Exit describes how a waited-for process ended.
type Exit struct {
	Signaled bool
	Code     int
	Signal   int
}
