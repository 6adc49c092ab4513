//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// syscallSignal returns the signal that killed the process, or 0.
func syscallSignal(exitErr *exec.ExitError) syscall.Signal {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal()
	}
	return 0
}
