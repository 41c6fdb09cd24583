//go:build !windows

package pipe

import (
	"syscall"
)

// runInOwnProcessGroup arranges for the child to become the leader of
// its own process group, so that Kill can terminate the whole group
// (the external command plus anything it spawned) rather than just the
// immediate child.
func (s *commandStage) runInOwnProcessGroup() {
	if s.cmd.SysProcAttr == nil {
		s.cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	s.cmd.SysProcAttr.Setpgid = true
}

// Kill is called to kill the process if the context expires. `err` is
// the corresponding value of `ctx.Err()`.
func (s *commandStage) Kill(err error) {
	if s.cmd.Process == nil {
		return
	}

	select {
	case <-s.done:
		// Process has ended; no need to kill it again.
		return
	default:
	}

	// Record the `ctx.Err()`, which will be used as the error result
	// for this stage.
	s.ctxErr.Store(err)

	// Since runInOwnProcessGroup put the child in its own process
	// group, signal the whole group: a negative pid means "this
	// process group" to kill(2).
	if pgid, pgErr := syscall.Getpgid(s.cmd.Process.Pid); pgErr == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = s.cmd.Process.Kill()
}
