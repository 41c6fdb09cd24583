//go:build !windows
// +build !windows

package pipe

import (
	"context"
	"os/exec"
	"testing"
)

// TestKillWithNilProcess verifies that Kill() handles nil Process gracefully
// without panicking. This can happen in edge cases where Kill is invoked before
// the process has been properly initialized or in race conditions.
func TestKillWithNilProcess(t *testing.T) {
	// Create a commandStage with a command
	cmd := exec.Command("sleep", "100")
	stage := &commandStage{
		name: "test-command",
		cmd:  cmd,
		done: make(chan struct{}),
	}

	// At this point, cmd.Process is nil because Start() hasn't been called
	// With the fix, Kill() should return gracefully without panicking

	// Set up panic recovery to fail the test if a panic occurs
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("PANIC OCCURRED (bug not fixed): %v", r)
		}
	}()

	// This should NOT panic - the fix adds a nil check
	stage.Kill(context.Canceled)

	// If we get here without panic, the fix works
	t.Log("SUCCESS: Kill() handled nil Process gracefully without panicking")
}

// TestKillWithFailedStart simulates a scenario where a process might not
// initialize properly but Kill could still be called
func TestKillWithFailedStart(t *testing.T) {
	ctx := context.Background()

	// Create a command that will fail to start (non-existent binary)
	stage := Command("/this/path/does/not/exist/invalid_command_12345")

	// Try to start it - this will fail
	_, err := stage.Start(ctx, Env{}, nil)
	if err == nil {
		t.Fatal("Expected start to fail, but it succeeded")
	}

	// At this point, if someone calls Kill (perhaps from a memory monitor
	// or other external component), it could panic if Process is nil

	// Note: In the current implementation, Kill won't be called from the
	// context goroutine because Start failed. But external callers like
	// MemoryLimit could potentially call Kill on a failed stage.
}

// TestMemoryLimitOnFailedProcess demonstrates how the MemoryLimit
// feature could potentially trigger the nil pointer issue
func TestMemoryLimitOnFailedProcess(t *testing.T) {
	t.Skip("This test is theoretical - demonstrating potential edge case")

	// If MemoryLimit tries to kill a process that failed to start,
	// it would call stage.Kill() which accesses cmd.Process.Pid without
	// checking if cmd.Process is nil

	// In practice, this is mitigated by the fact that if Start() fails,
	// the memory monitor won't be started. But the lack of nil check
	// is still a defensive programming issue.
}
