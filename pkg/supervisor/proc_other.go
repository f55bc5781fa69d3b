//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func terminate(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

func kill(p *os.Process) error {
	return p.Kill()
}
