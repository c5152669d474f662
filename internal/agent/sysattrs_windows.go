//go:build windows

package agent

import (
	"os/exec"
	"syscall"
)

const (
	createNewProcessGroup = 0x00000200
	detachedProcess       = 0x00000008
)

// configureSysProcAttr sets platform-specific spawn attributes. A new
// process group enables group signaling; detached children additionally
// drop the parent's console.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	flags := uint32(createNewProcessGroup)
	if detached {
		flags |= detachedProcess
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: flags}
}
