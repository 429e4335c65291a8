//go:build unix

package session

import (
	"os/exec"
	"syscall"
)

// setupPTYCommand configures the command to use the PTY as controlling
// terminal. Required for shells like fish to behave properly.
func setupPTYCommand(cmd *exec.Cmd) {
	// Ctty is the FD number in the child process (0 = stdin); the PTY
	// slave becomes stdin when the process is started on the pty.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
}
