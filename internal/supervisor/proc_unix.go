//go:build !windows

package supervisor

import "syscall"

// setpgid puts each child in its own process group so SIGTERM/SIGKILL can
// target the whole group rather than just the direct child.
func setpgid() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the process group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
