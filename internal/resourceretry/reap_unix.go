//go:build !windows

package resourceretry

import "syscall"

// reapChildren collects any already-exited child processes without
// blocking, so a fork retry isn't just retrying into the same
// zombie-clogged process table.
func reapChildren() {
	for {
		pid, err := syscall.Wait4(-1, nil, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}
