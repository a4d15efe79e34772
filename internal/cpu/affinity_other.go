//go:build !linux && !windows

package cpu

// pinThread is a no-op: macOS and the BSDs do not expose thread pinning.
func pinThread(int) (func() error, error) {
	return noRestore, nil
}
