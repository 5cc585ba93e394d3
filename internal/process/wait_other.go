//go:build !linux

package process

// awaitExit reports false: without waitid the exit cannot be observed before reaping.
func awaitExit(pid int) bool {
	return false
}
