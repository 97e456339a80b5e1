package spawn

import "syscall"

// sysProcAttr puts the bridge in its own process group. Pdeathsig makes
// the kernel terminate it if agenttap dies without cleaning up.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
