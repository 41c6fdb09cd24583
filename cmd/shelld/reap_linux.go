//go:build linux

package main

import (
	"syscall"

	"github.com/infoserv/shelld/internal/ptree"
)

// reapDescendants best-effort kills any processes still alive under
// pid's process tree. The process-group kill in pipe's commandStage.Kill
// already covers the common case when a session disconnects mid-command;
// this catches descendants that reparented themselves (e.g. a
// double-forked daemon) before the disconnect.
func reapDescendants(pid int) {
	if pid == 0 {
		return
	}
	ptree.WalkChildren(pid, func(childPid int) {
		_ = syscall.Kill(childPid, syscall.SIGKILL)
	})
}
