// Package cpu pins the goroutine executing a rank's tasks to one CPU core.
//
// Pinning is best effort: when the platform or the scheduler refuses it, the
// goroutine stays locked to its OS thread and tasks run unpinned.
package cpu

import "runtime"

// CoreFor maps a rank onto a core index in [0, runtime.NumCPU()).
func CoreFor(rank int) int {
	n := runtime.NumCPU()
	if n <= 0 {
		return 0
	}
	core := rank % n
	if core < 0 {
		core += n
	}
	return core
}

// PinRank locks the calling goroutine to its OS thread and, where supported,
// binds that thread to CoreFor(rank). The returned release func restores the
// thread's previous affinity and undoes the lock; it must be called from the
// same goroutine. When the mask cannot be restored the thread stays locked,
// so the narrowed thread never runs other goroutines, and release reports
// the error.
func PinRank(rank int) (release func() error, core int, err error) {
	runtime.LockOSThread()
	core = CoreFor(rank)

	restore, err := pinThread(core)
	release = func() error {
		if err := restore(); err != nil {
			return err
		}
		runtime.UnlockOSThread()
		return nil
	}
	return release, core, err
}

func noRestore() error { return nil }
