//go:build windows

package agent

import (
	"fmt"
	"strings"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

// ParseSignal accepts the Unix signal vocabulary for config compatibility.
// Windows has no signal delivery for foreign processes; every terminating
// signal maps onto TerminateProcess at send time.
func ParseSignal(name string) (syscall.Signal, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	if s == "" {
		return 0, fmt.Errorf("empty signal name")
	}
	s = strings.TrimPrefix(s, "SIG")
	switch s {
	case "HUP", "INT", "QUIT", "TERM", "USR1", "USR2":
		return syscall.SIGTERM, nil
	case "KILL":
		return syscall.SIGKILL, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

// signalPID emulates Unix signaling: signal 0 probes existence, anything
// else terminates the process.
func signalPID(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if sig == 0 {
		return checkProcessExists(pid)
	}
	handle, err := openProcess(processTerminate, false, uint32(pid))
	if err != nil {
		// The process is already gone; treat as delivered.
		return nil
	}
	defer func() { _ = closeHandle(handle) }()

	ret, _, callErr := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return callErr
	}
	return nil
}

// signalGroup degrades to single-process delivery on Windows.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid < 0 {
		pid = -pid
	}
	return signalPID(pid, sig)
}

func checkProcessExists(pid int) error {
	handle, err := openProcess(processQueryInformation, false, uint32(pid))
	if err != nil {
		return err
	}
	return closeHandle(handle)
}

func openProcess(access uint32, inheritHandle bool, processID uint32) (syscall.Handle, error) {
	inherit := 0
	if inheritHandle {
		inherit = 1
	}
	ret, _, err := procOpenProcess.Call(
		uintptr(access),
		uintptr(inherit),
		uintptr(processID),
	)
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(handle syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(handle))
	if ret == 0 {
		return err
	}
	return nil
}
