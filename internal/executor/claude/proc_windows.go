//go:build windows

package claude

import (
	"os"
	"os/exec"
)

func setProcGroup(_ *exec.Cmd) {}

// terminateProcess has no graceful variant on Windows.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

func killProcess(p *os.Process) error {
	return p.Kill()
}
