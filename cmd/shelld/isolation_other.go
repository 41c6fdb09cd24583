//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/infoserv/shelld/pipe"
)

func newIsolationPolicy(root string) (pipe.IsolationPolicy, error) {
	return nil, fmt.Errorf("--cgroup-root is not supported on %s", runtime.GOOS)
}
