//go:build windows

package supervisor

import "os/exec"

// setProcAttr is a no-op on Windows; context cancellation terminates the
// direct child.
func setProcAttr(cmd *exec.Cmd) {}

// killProcessGroup is a no-op on Windows.
func killProcessGroup(pid int) error {
	return nil
}
