//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr sets platform-specific spawn attributes. Detached
// children get their own session (setsid) so they outlive the one-shot CLI
// invocation that spawned them; otherwise a new process group suffices for
// group signaling.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	attrs := &syscall.SysProcAttr{}
	if detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}
