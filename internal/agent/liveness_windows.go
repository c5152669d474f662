//go:build windows

package agent

// PIDAlive reports whether a process with the given pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return checkProcessExists(pid) == nil
}
