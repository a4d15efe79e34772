//go:build windows

package cpu

import (
	"golang.org/x/sys/windows"
)

var (
	kernel32              = windows.NewLazySystemDLL("kernel32.dll")
	setThreadAffinityMask = kernel32.NewProc("SetThreadAffinityMask")
)

// pinThread binds the current OS thread to the given core and returns a func
// that puts the previous mask back.
// Must be called after runtime.LockOSThread().
func pinThread(core int) (func() error, error) {
	if core >= 64 {
		return noRestore, nil // a single affinity mask only addresses one processor group
	}

	prev, err := setAffinity(uintptr(1) << uint(core))
	if err != nil {
		return noRestore, err
	}
	return func() error {
		_, err := setAffinity(prev)
		return err
	}, nil
}

// setAffinity applies mask to the current thread and returns the old mask.
func setAffinity(mask uintptr) (uintptr, error) {
	prev, _, err := setThreadAffinityMask.Call(uintptr(windows.CurrentThread()), mask)
	if prev == 0 {
		return 0, err
	}
	return prev, nil
}
