//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// configureProc puts the server in its own process group so terminal signals
// aimed at the daemon do not reach it before an orderly stop.
func configureProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
