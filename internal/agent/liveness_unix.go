//go:build !windows

package agent

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// PIDAlive reports whether a process with the given pid exists. EPERM means
// the process exists but belongs to someone else, which still counts as
// alive. A Linux zombie is not alive: it has exited and merely awaits reaping.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// isZombie returns true if /proc/<pid>/status reports state Z.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
