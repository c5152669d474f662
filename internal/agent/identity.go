package agent

import "time"

// identitySlack absorbs the rounding between a kernel start time computed
// from clock ticks and a wall-clock timestamp taken after fork.
const identitySlack = 2 * time.Second

// VerifyIdentity reports whether the process at pid still looks like the
// one started at startedAt. It compares the kernel's start time for the
// pid against the recorded timestamp; when either side is unavailable the
// check passes so liveness alone decides.
func VerifyIdentity(pid int, startedAt time.Time) bool {
	if pid <= 0 {
		return false
	}
	if startedAt.IsZero() {
		return true
	}
	cur := procStartUnix(pid)
	if cur <= 0 {
		return true
	}
	diff := cur - startedAt.Unix()
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff)*time.Second <= identitySlack
}
