//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
)

func setProcAttr(*exec.Cmd) {}

// terminate kills the process; there is no graceful signal to send here.
func terminate(p *os.Process) error {
	return forceKill(p)
}

func forceKill(p *os.Process) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
