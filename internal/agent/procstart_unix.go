//go:build !windows

package agent

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// procStartUnix returns the kernel-recorded start time of pid as Unix
// seconds, or 0 when unavailable. Combined with a stored start time it
// detects PID reuse: same pid, different start time means a different
// process.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return procStartUnixLinux(pid)
	}
	// Darwin/BSD: gopsutil resolves create time via sysctl.
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// procStartUnixLinux computes the start time from /proc without spawning
// external processes: starttime ticks from /proc/<pid>/stat field 22,
// anchored at the boot time from /proc/stat.
func procStartUnixLinux(pid int) int64 {
	startTicks := readStartTicks(pid)
	if startTicks <= 0 {
		return 0
	}
	btime := readBootTime()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + (startTicks / clk)
}

func readStartTicks(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	// The comm field may contain spaces; fields are counted after its ") ".
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(strings.TrimSpace(line[end+2:]))
	// parts[0] is field 3 overall, so field 22 (starttime) is parts[19].
	if len(parts) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	return ticks
}

func readBootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		text := s.Text()
		if strings.HasPrefix(text, "btime ") {
			v := strings.TrimSpace(strings.TrimPrefix(text, "btime "))
			if bt, err := strconv.ParseInt(v, 10, 64); err == nil {
				return bt
			}
		}
	}
	return 0
}
