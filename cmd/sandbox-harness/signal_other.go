//go:build !unix

package main

import (
	"os/exec"
	"syscall"
)

func syscallSignal(*exec.ExitError) syscall.Signal { return 0 }
