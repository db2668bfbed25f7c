package lock

import (
	"os"
	"syscall"
)

// IsPIDAlive checks if a process with the given PID exists. On Unix-like
// systems this sends signal 0, which tests existence without signaling.
func IsPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
