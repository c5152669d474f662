package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta is the identity line of a pidfile. StartUnix pins the kernel
// start time of the recorded pid so a reused pid is not mistaken for the
// original process.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile persists a pidfile for a spawned agent:
//
//	line 1: pid
//	line 2: spec JSON
//	line 3: meta JSON (kernel start time)
//
// Lines 2 and 3 let a later CLI invocation rebuild the spec and verify
// process identity without any daemon.
func WritePIDFile(path string, pid int, spec Spec) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(pid))
	sb.WriteByte('\n')
	if specJSON, err := json.Marshal(spec); err == nil {
		sb.Write(specJSON)
		sb.WriteByte('\n')
	}
	if metaJSON, err := json.Marshal(PIDMeta{StartUnix: procStartUnix(pid)}); err == nil {
		sb.Write(metaJSON)
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o600)
}

// ReadPIDFile reads a pidfile written by WritePIDFile. For legacy files
// that contain only the PID line, spec and meta are nil.
func ReadPIDFile(path string) (int, *Spec, *PIDMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, nil, err
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, nil, nil, err
	}

	var spec *Spec
	if len(lines) >= 2 {
		var s Spec
		if raw := strings.TrimSpace(lines[1]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &s); err == nil {
				spec = &s
			}
		}
	}
	var meta *PIDMeta
	if len(lines) >= 3 {
		var m PIDMeta
		if raw := strings.TrimSpace(lines[2]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				meta = &m
			}
		}
	}
	return pid, spec, meta, nil
}

// RemovePIDFile deletes a pidfile, ignoring a missing file.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// PIDFileAlive reports whether the process recorded in a pidfile is still
// the process that wrote it: the pid must be alive and, when the meta line
// carries a start time, the kernel start time must match.
func PIDFileAlive(path string) (bool, error) {
	pid, _, meta, err := ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if meta != nil && meta.StartUnix > 0 {
		if cur := procStartUnix(pid); cur > 0 && cur != meta.StartUnix {
			return false, nil // PID reused; not our process
		}
	}
	return PIDAlive(pid), nil
}
