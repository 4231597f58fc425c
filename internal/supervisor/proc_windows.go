//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func configureProc(cmd *exec.Cmd) {
	// Windows has no process groups in the unix sense.
}

// terminate kills outright; console processes cannot be sent SIGTERM.
func terminate(p *os.Process) error {
	return p.Kill()
}
