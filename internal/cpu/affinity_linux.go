//go:build linux

package cpu

import "golang.org/x/sys/unix"

// pinThread binds the current OS thread to the given core and returns a func
// that restores the thread's previous mask.
// Must be called after runtime.LockOSThread().
func pinThread(core int) (func() error, error) {
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil { // 0 = current thread
		return noRestore, err
	}

	var mask unix.CPUSet
	mask.Zero()
	mask.Set(core)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return noRestore, err
	}

	return func() error { return unix.SchedSetaffinity(0, &prev) }, nil
}
