//go:build linux

package runner

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		// Kernel sends SIGTERM to the executor if the runner dies.
		Pdeathsig: syscall.SIGTERM,
		// Own process group so stop signals reach the whole executor tree.
		Setpgid: true,
	}
}
