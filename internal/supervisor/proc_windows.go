//go:build windows

package supervisor

import (
	"os"
	"syscall"
)

// setpgid is a no-op on Windows: process groups are a POSIX concept, so
// shutdown falls back to signaling the direct child process only.
func setpgid() *syscall.SysProcAttr {
	return nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
