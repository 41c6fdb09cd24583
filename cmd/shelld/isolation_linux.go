//go:build linux

package main

import (
	"github.com/containerd/cgroups"

	"github.com/infoserv/shelld/pipe"
)

// newIsolationPolicy picks a cgroups v1 or v2 policy depending on how the
// host mounts /sys/fs/cgroup, matching pipe/isolation_linux.go's two
// constructors. The CPU/memory figures are conservative per-stage
// defaults; a shell command is expected to be short-lived, not a long
// running service.
func newIsolationPolicy(root string) (pipe.IsolationPolicy, error) {
	const (
		cpuShares   = 512
		memoryLimit = 256 << 20
		cpuQuota    = 100000
		cpuPeriod   = 100000
		cpuWeight   = 100
	)

	if cgroups.Mode() == cgroups.Unified {
		return pipe.NewCgroupsV2IsolationPolicy(cpuQuota, cpuPeriod, cpuWeight, memoryLimit, "shelld-stage", root)
	}
	return pipe.NewCgroupsIsolationPolicy(cpuShares, memoryLimit, "shelld-stage", root)
}
