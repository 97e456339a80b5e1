package spawn

import "os"

// Windows has no process groups to signal; both steps end the bridge
// process itself.
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}
