//go:build unix

package spawn

import (
	"errors"
	"os"
	"syscall"
)

// terminate sends SIGTERM to the bridge's process group so helpers it
// spawned (adb, ssh) exit with it. A group that is already gone is not an
// error.
func terminate(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func kill(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
