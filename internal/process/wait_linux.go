//go:build linux

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// awaitExit blocks until pid has exited and leaves it unreaped.
func awaitExit(pid int) bool {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err == nil
	}
}
