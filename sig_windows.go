//go:build windows

package main

import (
	"os"
	"syscall"
)

// syscall.SIGBREAK is only defined on Windows; POSIX builds use SIGQUIT
// instead (see sig_unix.go).
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGBREAK}
